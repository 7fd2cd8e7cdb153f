package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadResponseAlwaysCarriesPipelineFlag(t *testing.T) {
	// Clients branch on pipeline_triggered; the 202 body must name it even
	// when the pipeline did not start.
	body, err := json.Marshal(uploadResponse{Status: "uploaded", S3Key: "transcripts/w/sess-1.jsonl"})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"pipeline_triggered":false`)
}
