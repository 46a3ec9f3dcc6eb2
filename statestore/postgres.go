package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Postgres stores one row per key in nexus_state. Saves are single-statement
// upserts, so the atomicity contract comes from the database.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an already-migrated connection pool.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Load reads the document for key.
func (p *Postgres) Load(ctx context.Context, key string) (json.RawMessage, error) {
	var doc []byte
	err := p.db.GetContext(ctx, &doc,
		`SELECT document FROM nexus_state WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %q: %w", key, err)
	}
	return doc, nil
}

// Save upserts the document for key.
func (p *Postgres) Save(ctx context.Context, key string, document any) error {
	data, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("marshal document %q: %w", key, err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO nexus_state (key, document, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE
		 SET document = EXCLUDED.document, updated_at = now()`,
		key, data)
	if err != nil {
		return fmt.Errorf("save document %q: %w", key, err)
	}
	return nil
}
