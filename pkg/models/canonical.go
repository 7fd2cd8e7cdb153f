package models

import (
	"strings"
)

// CanonicalUnassociated is the workspace canonical id used when a session
// has no git context at all.
const CanonicalUnassociated = "_unassociated"

// LocalCanonicalPrefix prefixes content-addressed canonical ids for repos
// without a remote.
const LocalCanonicalPrefix = "local:"

// CanonicalWorkspaceID derives the canonical workspace id from a raw git
// remote URL and an optional first-commit hash. Clients perform the same
// derivation; the server keeps this implementation so both sides agree and
// so backfill tooling can re-derive ids.
//
// Two clients pointing at the same remote must produce identical ids:
// "git@github.com:Org/Repo.git" and "https://github.com/org/repo" both map
// to "github.com/Org/Repo" modulo host casing.
func CanonicalWorkspaceID(gitRemote, firstCommitHash string) string {
	if remote := strings.TrimSpace(gitRemote); remote != "" {
		return normalizeRemote(remote)
	}
	if firstCommitHash != "" {
		return LocalCanonicalPrefix + firstCommitHash
	}
	return CanonicalUnassociated
}

// normalizeRemote strips protocol and the trailing ".git", normalizes SSH
// form to the HTTPS path shape, and lowercases the host.
func normalizeRemote(remote string) string {
	remote = strings.TrimSuffix(remote, "/")

	// ssh://git@host/path or ssh://host/path
	if rest, ok := strings.CutPrefix(remote, "ssh://"); ok {
		rest = strings.TrimPrefix(rest, "git@")
		return splitHostPath(rest)
	}
	// git@host:path
	if rest, ok := strings.CutPrefix(remote, "git@"); ok {
		host, path, found := strings.Cut(rest, ":")
		if !found {
			return splitHostPath(rest)
		}
		return strings.ToLower(host) + "/" + strings.TrimSuffix(strings.TrimPrefix(path, "/"), ".git")
	}
	if rest, ok := strings.CutPrefix(remote, "https://"); ok {
		return splitHostPath(rest)
	}
	if rest, ok := strings.CutPrefix(remote, "http://"); ok {
		return splitHostPath(rest)
	}
	return splitHostPath(remote)
}

func splitHostPath(s string) string {
	host, path, found := strings.Cut(s, "/")
	if !found {
		return strings.ToLower(strings.TrimSuffix(s, ".git"))
	}
	return strings.ToLower(host) + "/" + strings.TrimSuffix(path, ".git")
}
