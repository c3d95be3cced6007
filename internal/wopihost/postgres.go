package wopihost

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresFilesTableName   = "wopihost_files"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend stores each hosted file as its own row. Save replaces
// the table contents inside one transaction, so readers never see a
// half-written host.
type PostgresStateBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (*PostgresStateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &PostgresStateBackend{
		dsn:       dsn,
		tableName: postgresFilesTableName,
		openDB:    sql.Open,
	}, nil
}

// Load returns nil when the table holds no files, matching a fresh host.
func (b *PostgresStateBackend) Load() (*hostState, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, name, owner_id, content, modified_at, read_only FROM %s",
		postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	state := &hostState{Files: map[string]*storedFile{}}
	for rows.Next() {
		f := &storedFile{}
		if err := rows.Scan(&f.ID, &f.Name, &f.OwnerID, &f.Content, &f.ModifiedAt, &f.ReadOnly); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		f.ModifiedAt = f.ModifiedAt.UTC()
		if f.ModifiedAt.After(state.LastWrite) {
			state.LastWrite = f.ModifiedAt
		}
		state.Files[f.ID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(state.Files) == 0 {
		return nil, nil
	}
	return state, nil
}

func (b *PostgresStateBackend) Save(state *hostState) error {
	if state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	table := postgresQuoteIdentifier(b.tableName)
	upsert := fmt.Sprintf(`
		INSERT INTO %s (id, name, owner_id, content, modified_at, read_only)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			owner_id = EXCLUDED.owner_id,
			content = EXCLUDED.content,
			modified_at = EXCLUDED.modified_at,
			read_only = EXCLUDED.read_only
		WHERE %s.modified_at IS DISTINCT FROM EXCLUDED.modified_at
			OR %s.read_only IS DISTINCT FROM EXCLUDED.read_only
			OR %s.name IS DISTINCT FROM EXCLUDED.name`, table, table, table, table)
	ids := make([]string, 0, len(state.Files))
	for id, f := range state.Files {
		if f == nil {
			continue
		}
		content := f.Content
		if content == nil {
			content = []byte{}
		}
		if _, err := tx.ExecContext(ctx, upsert, id, f.Name, f.OwnerID, content, f.ModifiedAt.UTC(), f.ReadOnly); err != nil {
			return fmt.Errorf("upsert file %s: %w", id, err)
		}
		ids = append(ids, id)
	}
	prune := fmt.Sprintf("DELETE FROM %s WHERE NOT (id = ANY($1))", table)
	if _, err := tx.ExecContext(ctx, prune, pq.Array(ids)); err != nil {
		return fmt.Errorf("prune files: %w", err)
	}
	return tx.Commit()
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidDSN
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				owner_id TEXT NOT NULL DEFAULT '',
				content BYTEA NOT NULL,
				modified_at TIMESTAMPTZ NOT NULL,
				read_only BOOLEAN NOT NULL DEFAULT FALSE
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
