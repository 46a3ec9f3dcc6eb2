package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Filesystem keeps one JSON file per row under <dir>/rows. A process-local
// mutex makes claim transactional; the daemon is the only writer of its
// runtime directory.
type Filesystem struct {
	dir string
	now func() time.Time

	mu  sync.Mutex
	seq int64
}

// NewFilesystem opens (or creates) a filesystem queue rooted at dir.
func NewFilesystem(dir string) (*Filesystem, error) {
	rows := filepath.Join(dir, "rows")
	if err := os.MkdirAll(rows, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	q := &Filesystem{dir: dir, now: time.Now}
	seq, err := q.scanSeq()
	if err != nil {
		return nil, err
	}
	q.seq = seq
	return q, nil
}

func (q *Filesystem) rowsDir() string { return filepath.Join(q.dir, "rows") }

func (q *Filesystem) rowPath(id int64) string {
	return filepath.Join(q.rowsDir(), fmt.Sprintf("task_%012d.json", id))
}

func (q *Filesystem) scanSeq() (int64, error) {
	entries, err := os.ReadDir(q.rowsDir())
	if err != nil {
		return 0, fmt.Errorf("scan queue directory: %w", err)
	}
	var max int64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "task_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "task_"), ".json"), 10, 64)
		if err == nil && id > max {
			max = id
		}
	}
	return max, nil
}

func (q *Filesystem) writeRow(task *Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue row: %w", err)
	}
	tmp := q.rowPath(task.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write queue row: %w", err)
	}
	if err := os.Rename(tmp, q.rowPath(task.ID)); err != nil {
		return fmt.Errorf("replace queue row: %w", err)
	}
	return nil
}

func (q *Filesystem) readRow(id int64) (*Task, error) {
	data, err := os.ReadFile(q.rowPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read queue row %d: %w", id, err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode queue row %d: %w", id, err)
	}
	return &task, nil
}

func (q *Filesystem) listRows() ([]Task, error) {
	entries, err := os.ReadDir(q.rowsDir())
	if err != nil {
		return nil, fmt.Errorf("scan queue directory: %w", err)
	}
	tasks := make([]Task, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "task_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.rowsDir(), name))
		if err != nil {
			continue
		}
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// Enqueue appends a pending row.
func (q *Filesystem) Enqueue(_ context.Context, projectKey, workspace, filename, markdown string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	task := &Task{
		ID:         q.seq,
		ProjectKey: projectKey,
		Workspace:  workspace,
		Filename:   filename,
		Markdown:   markdown,
		Status:     StatusPending,
		CreatedAt:  q.now(),
	}
	if err := q.writeRow(task); err != nil {
		return 0, err
	}
	tasksEnqueued.WithLabelValues(projectKey).Inc()
	return task.ID, nil
}

// Claim selects pending rows FIFO, suppressing duplicate (project, filename)
// rows in favour of the oldest.
func (q *Filesystem) Claim(_ context.Context, limit int, workerID string) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.listRows()
	if err != nil {
		return nil, err
	}

	// The oldest pending row per key wins; younger duplicates of a claimed
	// row are retired. Duplicates of rows left pending (beyond limit) stay
	// pending for a later claim.
	claimedByKey := make(map[string]bool)
	skippedByKey := make(map[string]bool)
	claimed := make([]Task, 0, limit)
	now := q.now()

	for i := range rows {
		task := rows[i]
		if task.Status != StatusPending {
			continue
		}
		key := task.ProjectKey + "\x00" + task.Filename
		if claimedByKey[key] {
			task.Status = StatusDone
			task.Error = DuplicateSuppressed
			if err := q.writeRow(&task); err != nil {
				return nil, err
			}
			duplicatesSuppressed.Inc()
			continue
		}
		if skippedByKey[key] {
			continue
		}
		if len(claimed) >= limit {
			skippedByKey[key] = true
			continue
		}
		claimedByKey[key] = true
		task.Status = StatusProcessing
		task.ClaimedBy = workerID
		claimedAt := now
		task.ClaimedAt = &claimedAt
		task.AttemptCount++
		if err := q.writeRow(&task); err != nil {
			return nil, err
		}
		tasksClaimed.Inc()
		claimed = append(claimed, task)
	}
	return claimed, nil
}

// MarkDone retires a row successfully.
func (q *Filesystem) MarkDone(_ context.Context, id int64) error {
	return q.finish(id, StatusDone, "")
}

// MarkFailed retires a row with an error.
func (q *Filesystem) MarkFailed(_ context.Context, id int64, errMsg string) error {
	return q.finish(id, StatusFailed, errMsg)
}

func (q *Filesystem) finish(id int64, status Status, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.readRow(id)
	if err != nil {
		return err
	}
	task.Status = status
	task.Error = errMsg
	return q.writeRow(task)
}

// ReclaimStale returns long-claimed processing rows to pending.
func (q *Filesystem) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.listRows()
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-olderThan)
	reclaimed := 0
	for i := range rows {
		task := rows[i]
		if task.Status != StatusProcessing || task.ClaimedAt == nil || task.ClaimedAt.After(cutoff) {
			continue
		}
		task.Status = StatusPending
		task.ClaimedBy = ""
		task.ClaimedAt = nil
		if err := q.writeRow(&task); err != nil {
			return reclaimed, err
		}
		rowsReclaimed.Inc()
		reclaimed++
	}
	return reclaimed, nil
}
