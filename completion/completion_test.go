package completion

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryFileRoundTrip(t *testing.T) {
	workspace := t.TempDir()

	missing, err := Read(workspace, "nexus", "42")
	require.NoError(t, err)
	assert.Nil(t, missing)

	summary := Summary{
		Status:      StatusComplete,
		AgentType:   "developer",
		Summary:     "implemented login fix",
		KeyFindings: []string{"Feature: login retry"},
		NextAgent:   "reviewer",
	}
	require.NoError(t, Write(workspace, "nexus", "42", summary))

	file, err := Read(workspace, "nexus", "42")
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, "developer", file.Summary.AgentType)
	assert.Equal(t, "reviewer", file.Summary.NextAgent)

	// Rewriting the file changes its event ID.
	before := file.EventID()
	summary.NextAgent = "done"
	require.NoError(t, Write(workspace, "nexus", "42", summary))
	after, err := Read(workspace, "nexus", "42")
	require.NoError(t, err)
	assert.NotEqual(t, before, after.EventID())
}

func TestScanSkipsOldFiles(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, Write(workspace, "nexus", "42", Summary{Status: StatusComplete, AgentType: "developer"}))
	require.NoError(t, Write(workspace, "nexus", "88", Summary{Status: StatusComplete, AgentType: "planner"}))

	stale := SummaryPath(workspace, "nexus", "88")
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	files, err := Scan(workspace, "nexus", 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "42", files[0].IssueID)

	all, err := Scan(workspace, "nexus", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestNormalizeAgentName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"@developer", "developer"},
		{"`@Reviewer`", "reviewer"},
		{"  planner  ", "planner"},
		{"`developer`", "developer"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeAgentName(tt.in), tt.in)
	}
}

func TestParseComment(t *testing.T) {
	sig := ParseComment("## step complete — developer\n\nAll tests green, ready for @reviewer.")
	assert.True(t, sig.IsCompletion)
	assert.Equal(t, "developer", sig.CompletedAgent)
	assert.Equal(t, "reviewer", sig.NextAgent)

	sig = ParseComment("Step Complete: planner\nhandoff to `@developer`")
	assert.True(t, sig.IsCompletion)
	assert.Equal(t, "planner", sig.CompletedAgent)
	assert.Equal(t, "developer", sig.NextAgent)

	sig = ParseComment("just a regular comment")
	assert.False(t, sig.IsCompletion)
	assert.Empty(t, sig.NextAgent)
}

func TestHandoffWithoutMarker(t *testing.T) {
	agent, ok := Handoff("please take over @reviewer")
	assert.True(t, ok)
	assert.Equal(t, "reviewer", agent)

	_, ok = Handoff("no mentions here")
	assert.False(t, ok)
}
