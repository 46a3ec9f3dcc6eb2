package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Filesystem {
	t.Helper()
	q, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return q
}

func TestClaimEmptyQueue(t *testing.T) {
	q := newTestQueue(t)
	tasks, err := q.Claim(context.Background(), 10, "w-1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestClaimSuppressesDuplicateRows(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	first, err := q.Enqueue(ctx, "nexus", "/w", "task_901.md", "# a")
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "nexus", "/w", "task_901.md", "# a again")
	require.NoError(t, err)

	tasks, err := q.Claim(ctx, 10, "w-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, first, tasks[0].ID)
	assert.Equal(t, StatusProcessing, tasks[0].Status)
	assert.Equal(t, "w-1", tasks[0].ClaimedBy)
	assert.Equal(t, 1, tasks[0].AttemptCount)

	dup, err := q.readRow(second)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, dup.Status)
	assert.Equal(t, DuplicateSuppressed, dup.Error)
}

func TestClaimFIFOAndLimit(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "nexus", "/w", "task_"+string(rune('a'+i))+".md", "body")
		require.NoError(t, err)
	}

	tasks, err := q.Claim(ctx, 3, "w-1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.True(t, tasks[0].ID < tasks[1].ID && tasks[1].ID < tasks[2].ID)

	rest, err := q.Claim(ctx, 10, "w-1")
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestClaimLeavesDuplicatesOfUnselectedRows(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, "nexus", "/w", "first.md", "a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "nexus", "/w", "second.md", "b")
	require.NoError(t, err)
	dupID, err := q.Enqueue(ctx, "nexus", "/w", "second.md", "b dup")
	require.NoError(t, err)

	tasks, err := q.Claim(ctx, 1, "w-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "first.md", tasks[0].Filename)

	// second.md was not selected, so its duplicate must stay pending.
	dup, err := q.readRow(dupID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, dup.Status)
}

func TestMarkDoneRemovesPendingRow(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "nexus", "/w", "one.md", "a")
	require.NoError(t, err)
	tasks, err := q.Claim(ctx, 1, "w-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, q.MarkDone(ctx, id))

	again, err := q.Claim(ctx, 10, "w-1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMarkFailedRecordsError(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "nexus", "/w", "one.md", "a")
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, id, "boom"))

	row, err := q.readRow(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, row.Status)
	assert.Equal(t, "boom", row.Error)

	assert.ErrorIs(t, q.MarkDone(ctx, 9999), ErrNotFound)
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, "nexus", "/w", "one.md", "a")
	require.NoError(t, err)

	base := time.Now()
	q.now = func() time.Time { return base }
	tasks, err := q.Claim(ctx, 1, "w-crashed")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// Within the threshold nothing is reclaimed.
	q.now = func() time.Time { return base.Add(5 * time.Minute) }
	n, err := q.ReclaimStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	q.now = func() time.Time { return base.Add(11 * time.Minute) }
	n, err = q.ReclaimStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Claim(ctx, 1, "w-2")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "w-2", again[0].ClaimedBy)
	assert.Equal(t, 2, again[0].AttemptCount)
}

func TestPayloadRoundTrip(t *testing.T) {
	body := BuildPayload(Payload{
		Title:       "feature-request",
		Project:     "nexus",
		Type:        "feature",
		TaskName:    "improve-onboarding",
		Source:      "webhook",
		Description: "Improve the onboarding funnel.",
		RawInput:    "please improve onboarding",
	})

	p, err := ParsePayload(body)
	require.NoError(t, err)
	assert.Equal(t, "feature-request", p.Title)
	assert.Equal(t, "nexus", p.Project)
	assert.Equal(t, "feature", p.Type)
	assert.Equal(t, "improve-onboarding", p.TaskName)
	assert.Equal(t, "Pending", p.Status)
	assert.Equal(t, "webhook", p.Source)
	assert.Equal(t, "Improve the onboarding funnel.", p.Description)
	assert.Equal(t, "please improve onboarding", p.RawInput)
}

func TestParsePayloadRequiresProject(t *testing.T) {
	_, err := ParsePayload("# title\n\nno header\n")
	require.Error(t, err)
}
