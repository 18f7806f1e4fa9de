package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/specklesystems/speckle-server-sub009/internal/metrics"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// FileName is the database file created inside the cache directory.
const FileName = "speckle-object-cache.db"

// batchSize bounds the number of placeholders per IN query.
const batchSize = 500

// SQLite is a cache persisted in a single sqlite file. Record text is
// stored zstd-compressed.
type SQLite struct {
	conn *sql.DB
	path string
	log  *slog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	hits   prometheus.Counter
	misses prometheus.Counter
	writes prometheus.Counter
}

// SQLiteOption configures an SQLite cache.
type SQLiteOption func(*SQLite)

// WithLogger sets the logger used for best-effort failures.
func WithLogger(l *slog.Logger) SQLiteOption {
	return func(c *SQLite) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRegisterer registers the cache metrics with reg.
func WithRegisterer(reg prometheus.Registerer) SQLiteOption {
	return func(c *SQLite) {
		c.hits = metrics.Shared(reg, c.hits)
		c.misses = metrics.Shared(reg, c.misses)
		c.writes = metrics.Shared(reg, c.writes)
	}
}

// Open opens or creates the cache database inside dir.
func Open(dir string, opts ...SQLiteOption) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	path := filepath.Join(dir, FileName)

	conn, err := sql.Open("sqlite", path)
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

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		conn.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	c := &SQLite{
		conn:   conn,
		path:   path,
		log:    slog.Default(),
		enc:    enc,
		dec:    dec,
		hits:   metrics.Counter("cache", "hits_total", "Records served from the local cache."),
		misses: metrics.Counter("cache", "misses_total", "Records looked up but not found in the local cache."),
		writes: metrics.Counter("cache", "writes_total", "Records written to the local cache."),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OpenOrNoop opens the cache in dir, falling back to Noop when the database
// cannot be opened. The failure is logged.
func OpenOrNoop(dir string, log *slog.Logger, opts ...SQLiteOption) Cache {
	if log == nil {
		log = slog.Default()
	}
	c, err := Open(dir, append([]SQLiteOption{WithLogger(log)}, opts...)...)
	if err != nil {
		log.Warn("object cache unavailable, continuing without it", "dir", dir, "error", err)
		return Noop{}
	}
	return c
}

// Path returns the database file path.
func (c *SQLite) Path() string { return c.path }

func (c *SQLite) IsAvailable() bool { return true }

// GetMany looks ids up in batches. Rows that fail to decode or look like an
// error page are treated as misses.
func (c *SQLite) GetMany(ctx context.Context, ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	for i := 0; i < len(ids); i += batchSize {
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := c.getBatch(ctx, ids[i:end], out); err != nil {
			c.log.Warn("cache lookup failed", "ids", end-i, "error", err)
		}
	}
	c.hits.Add(float64(len(out)))
	c.misses.Add(float64(len(ids) - len(out)))
	return out
}

func (c *SQLite) getBatch(ctx context.Context, batch []string, out map[string]string) error {
	placeholders := make([]string, len(batch))
	args := make([]any, len(batch))
	for j, id := range batch {
		placeholders[j] = "?"
		args[j] = id
	}
	query := fmt.Sprintf(
		`SELECT id, content FROM objects WHERE id IN (%s)`,
		strings.Join(placeholders, ","),
	)

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var content []byte
		if err := rows.Scan(&id, &content); err != nil {
			return fmt.Errorf("scanning object: %w", err)
		}
		raw, err := c.dec.DecodeAll(content, nil)
		if err != nil {
			c.log.Warn("dropping undecodable cache entry", "id", id, "error", err)
			continue
		}
		text := string(raw)
		if IsErrorPage(text) {
			continue
		}
		out[id] = text
	}
	return rows.Err()
}

// PutMany writes entries in one transaction. Existing ids are kept.
func (c *SQLite) PutMany(ctx context.Context, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	n, err := c.putMany(ctx, entries)
	if err != nil {
		c.log.Warn("cache write failed", "entries", len(entries), "error", err)
		return
	}
	c.writes.Add(float64(n))
}

func (c *SQLite) putMany(ctx context.Context, entries []Entry) (int, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO objects (id, content) VALUES (?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, e := range entries {
		if e.ID == "" || IsErrorPage(e.Encoded) {
			continue
		}
		content := c.enc.EncodeAll([]byte(e.Encoded), nil)
		if _, err := stmt.ExecContext(ctx, e.ID, content); err != nil {
			return 0, fmt.Errorf("inserting %s: %w", e.ID, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return n, nil
}

// Close closes the database and the codecs.
func (c *SQLite) Close() error {
	c.dec.Close()
	if err := c.enc.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

var _ Cache = (*SQLite)(nil)
