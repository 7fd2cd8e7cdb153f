package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalWorkspaceID(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		hash   string
		want   string
	}{
		{"ssh form", "git@github.com:acme/widgets.git", "", "github.com/acme/widgets"},
		{"https form", "https://github.com/acme/widgets.git", "", "github.com/acme/widgets"},
		{"https without .git", "https://github.com/acme/widgets", "", "github.com/acme/widgets"},
		{"ssh scheme", "ssh://git@github.com/acme/widgets.git", "", "github.com/acme/widgets"},
		{"host is lowercased, path is not", "git@GitHub.com:Acme/Widgets.git", "", "github.com/Acme/Widgets"},
		{"trailing slash", "https://gitlab.com/team/repo/", "", "gitlab.com/team/repo"},
		{"nested groups", "https://gitlab.com/team/sub/repo.git", "", "gitlab.com/team/sub/repo"},
		{"no remote, hash fallback", "", "abc123", "local:abc123"},
		{"nothing", "", "", CanonicalUnassociated},
		{"whitespace remote falls through", "   ", "abc123", "local:abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalWorkspaceID(tt.remote, tt.hash))
		})
	}
}

func TestCanonicalWorkspaceIDConverges(t *testing.T) {
	// Two clients pointing at the same remote through different protocols
	// must land on the same workspace.
	ssh := CanonicalWorkspaceID("git@github.com:acme/widgets.git", "")
	https := CanonicalWorkspaceID("https://github.com/acme/widgets", "")
	assert.Equal(t, ssh, https)
}
