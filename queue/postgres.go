package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Postgres is the relational queue backend over the nexus_inbox table. The
// claim path runs in one transaction with FOR UPDATE SKIP LOCKED so multiple
// workers can drain the inbox concurrently.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an already-migrated connection pool.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Enqueue appends a pending row; a single INSERT, no read-modify-write.
func (q *Postgres) Enqueue(ctx context.Context, projectKey, workspace, filename, markdown string) (int64, error) {
	var id int64
	err := q.db.GetContext(ctx, &id,
		`INSERT INTO nexus_inbox (project_key, workspace, filename, markdown_content, status)
		 VALUES ($1, $2, $3, $4, 'pending')
		 RETURNING id`,
		projectKey, workspace, filename, markdown)
	if err != nil {
		return 0, fmt.Errorf("enqueue task: %w", err)
	}
	tasksEnqueued.WithLabelValues(projectKey).Inc()
	return id, nil
}

// Claim selects up to limit pending rows FIFO and suppresses younger
// duplicates of each selected row, all inside one transaction.
func (q *Postgres) Claim(ctx context.Context, limit int, workerID string) ([]Task, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var rows []Task
	err = tx.SelectContext(ctx, &rows,
		`SELECT id, project_key, workspace, filename, markdown_content,
		        status, claimed_by, claimed_at, attempt_count, error, created_at
		 FROM nexus_inbox
		 WHERE status = 'pending'
		 ORDER BY id
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("select pending rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	claimed := make([]Task, 0, len(rows))
	seen := make(map[string]bool)
	for i := range rows {
		task := rows[i]
		key := task.ProjectKey + "\x00" + task.Filename
		if seen[key] {
			// Younger duplicate selected in the same batch.
			if _, err := tx.ExecContext(ctx,
				`UPDATE nexus_inbox SET status = 'done', error = $1 WHERE id = $2`,
				DuplicateSuppressed, task.ID); err != nil {
				return nil, fmt.Errorf("suppress duplicate row %d: %w", task.ID, err)
			}
			duplicatesSuppressed.Inc()
			continue
		}
		seen[key] = true

		// Retire any other pending rows with the same key. The selected row
		// is the oldest pending one, so every other pending row is younger.
		if _, err := tx.ExecContext(ctx,
			`UPDATE nexus_inbox SET status = 'done', error = $1
			 WHERE status = 'pending' AND project_key = $2 AND filename = $3 AND id <> $4`,
			DuplicateSuppressed, task.ProjectKey, task.Filename, task.ID); err != nil {
			return nil, fmt.Errorf("suppress duplicate rows: %w", err)
		}

		var claimedAt time.Time
		if err := tx.GetContext(ctx, &claimedAt,
			`UPDATE nexus_inbox
			 SET status = 'processing', claimed_by = $1, claimed_at = now(),
			     attempt_count = attempt_count + 1
			 WHERE id = $2
			 RETURNING claimed_at`,
			workerID, task.ID); err != nil {
			return nil, fmt.Errorf("claim row %d: %w", task.ID, err)
		}
		task.Status = StatusProcessing
		task.ClaimedBy = workerID
		task.ClaimedAt = &claimedAt
		task.AttemptCount++
		tasksClaimed.Inc()
		claimed = append(claimed, task)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// MarkDone retires a row successfully.
func (q *Postgres) MarkDone(ctx context.Context, id int64) error {
	return q.finish(ctx, id, StatusDone, "")
}

// MarkFailed retires a row with an error.
func (q *Postgres) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return q.finish(ctx, id, StatusFailed, errMsg)
}

func (q *Postgres) finish(ctx context.Context, id int64, status Status, errMsg string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE nexus_inbox SET status = $1, error = $2 WHERE id = $3`,
		status, errMsg, id)
	if err != nil {
		return fmt.Errorf("finish row %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReclaimStale returns long-claimed processing rows to pending.
func (q *Postgres) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE nexus_inbox
		 SET status = 'pending', claimed_by = '', claimed_at = NULL
		 WHERE status = 'processing' AND claimed_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	rowsReclaimed.Add(float64(n))
	return int(n), nil
}
