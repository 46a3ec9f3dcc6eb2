package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogCoversRequiredParity(t *testing.T) {
	for _, name := range RequiredParity {
		cmd, ok := Catalog[name]
		require.True(t, ok, "required command %q missing from catalog", name)
		assert.Equal(t, name, cmd.Name)
		assert.NotEmpty(t, cmd.Description, name)
	}
}

func TestParityGap(t *testing.T) {
	assert.Empty(t, ParityGap(RequiredParity))
	assert.Empty(t, ParityGap(Names()))

	missing := ParityGap([]string{"status", "active", "pause"})
	assert.Contains(t, missing, "watch")
	assert.Contains(t, missing, "visualize")
	assert.NotContains(t, missing, "status")
}

func TestIssueCommandsDeclareUsage(t *testing.T) {
	for name, cmd := range Catalog {
		if cmd.RequiresIssue {
			assert.NotEmpty(t, cmd.Usage, name)
		}
	}
}
