// Package store provides SQLite-backed record storage for the object server.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/specklesystems/speckle-server-sub009/cas"
	"github.com/specklesystems/speckle-server-sub009/internal/retry"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// FileName is the database file created inside the data directory.
const FileName = "objects.db"

// batchSize bounds the number of placeholders per IN query.
const batchSize = 500

var ErrObjectNotFound = errors.New("object not found")

// Object is one stored record.
type Object struct {
	ID      string
	Content string
}

// DB wraps a SQLite connection holding the records of every stream.
type DB struct {
	conn *sql.DB
	path string
}

// OpenDir opens or creates the database inside dir.
func OpenDir(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	return Open(filepath.Join(dir, FileName))
}

// Open opens a database at the given path.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// HasObjects reports which ids exist in the stream.
func (db *DB) HasObjects(ctx context.Context, streamID string, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	err := db.eachBatch(ctx, streamID, ids, `SELECT id FROM objects WHERE stream_id = ? AND id IN (%s)`,
		func(rows *sql.Rows) error {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			result[id] = true
			return nil
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// InsertObjects stores records in one transaction. Ids already present are
// left untouched. It returns the number of new records.
func (db *DB) InsertObjects(ctx context.Context, streamID string, objs []Object) (int, error) {
	if len(objs) == 0 {
		return 0, nil
	}
	var inserted int
	err := withRetry(ctx, func() error {
		n, err := db.insertObjects(ctx, streamID, objs)
		inserted = n
		return err
	})
	return inserted, err
}

func (db *DB) insertObjects(ctx context.Context, streamID string, objs []Object) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO objects (stream_id, id, content, size, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	ts := cas.NowMs()
	n := 0
	for _, o := range objs {
		res, err := stmt.ExecContext(ctx, streamID, o.ID, o.Content, len(o.Content), ts)
		if err != nil {
			return 0, fmt.Errorf("inserting object %s: %w", o.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return n, nil
}

// GetObject returns the record text of id.
func (db *DB) GetObject(ctx context.Context, streamID, id string) (string, error) {
	var content string
	err := db.conn.QueryRowContext(ctx,
		`SELECT content FROM objects WHERE stream_id = ? AND id = ?`, streamID, id,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", ErrObjectNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying object: %w", err)
	}
	return content, nil
}

// StreamObjects calls fn for every stored record among ids. Missing ids are
// skipped. Records arrive batch by batch; order within a batch is
// unspecified.
func (db *DB) StreamObjects(ctx context.Context, streamID string, ids []string, fn func(Object) error) error {
	return db.eachBatch(ctx, streamID, ids, `SELECT id, content FROM objects WHERE stream_id = ? AND id IN (%s)`,
		func(rows *sql.Rows) error {
			var o Object
			if err := rows.Scan(&o.ID, &o.Content); err != nil {
				return err
			}
			return fn(o)
		})
}

// CountObjects returns the number of records stored for the stream.
func (db *DB) CountObjects(ctx context.Context, streamID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE stream_id = ?`, streamID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting objects: %w", err)
	}
	return n, nil
}

// eachBatch runs query once per batch of ids. query must contain one %s
// for the IN placeholders and take the stream id as its first argument.
func (db *DB) eachBatch(ctx context.Context, streamID string, ids []string, query string, scan func(*sql.Rows) error) error {
	for i := 0; i < len(ids); i += batchSize {
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]

		placeholders := make([]string, len(batch))
		args := make([]interface{}, 0, len(batch)+1)
		args = append(args, streamID)
		for j, id := range batch {
			placeholders[j] = "?"
			args = append(args, id)
		}

		rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(query, strings.Join(placeholders, ",")), args...)
		if err != nil {
			return fmt.Errorf("querying objects: %w", err)
		}
		for rows.Next() {
			if err := scan(rows); err != nil {
				rows.Close()
				return fmt.Errorf("scanning object: %w", err)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating objects: %w", err)
		}
	}
	return nil
}

// withRetry retries fn while SQLite reports the database as busy.
func withRetry(ctx context.Context, fn func() error) error {
	cfg := retry.Config{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2,
	}
	err := retry.Do(ctx, cfg, func(context.Context) error {
		err := fn()
		if err != nil && !isSQLiteBusy(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	var nre *retry.NonRetryableError
	if errors.As(err, &nre) {
		return nre.Err
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}
