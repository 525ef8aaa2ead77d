// Package store persists requests, execution tasks, and the transition
// audit log. It runs on an embedded SQLite database by default and on
// Postgres when a DSN is configured; both share one schema and one
// query set.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/foliosai/folios/internal/domain"
)

var (
	// ErrNotFound is returned when a request or task does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStaleState is returned when a guarded update observed a state
	// other than the expected one. Callers treat it as a lost race.
	ErrStaleState = errors.New("store: lifecycle state changed concurrently")
	// ErrWriteOnce is returned when a write-once field (provider_job_id,
	// artifact_dir) would be overwritten.
	ErrWriteOnce = errors.New("store: write-once field already set")
)

const resultCacheSize = 512

// SQL is the concrete store. One instance serves the whole process.
type SQL struct {
	db       *sql.DB
	postgres bool

	// Decoded parsed.json payloads by task ID. Harvest writes through;
	// status reads hit the cache before the filesystem.
	results *lru.Cache[string, domain.CanonicalResult]
}

// OpenSQLite opens (and migrates) an embedded database at path. Use
// ":memory:" for tests.
func OpenSQLite(path string) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// modernc sqlite requires a single writer; serialize connections.
	db.SetMaxOpenConns(1)
	return newSQL(db, false)
}

// OpenPostgres opens (and migrates) a Postgres-backed store.
func OpenPostgres(dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return newSQL(db, true)
}

func newSQL(db *sql.DB, postgres bool) (*SQL, error) {
	cache, err := lru.New[string, domain.CanonicalResult](resultCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQL{db: db, postgres: postgres, results: cache}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQL) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func marshalMeta(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("store: marshal metadata: %w", err)
	}
	return string(raw), nil
}

func unmarshalMeta(raw string) (map[string]string, error) {
	m := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("store: unmarshal metadata: %w", err)
	}
	return m, nil
}

// Timestamps are persisted as RFC3339Nano text so both backends scan
// identically.
func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func decodeTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := decodeTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CacheResult stores a decoded canonical result for a task.
func (s *SQL) CacheResult(taskID string, res domain.CanonicalResult) {
	s.results.Add(taskID, res)
}

// CachedResult returns a previously cached canonical result.
func (s *SQL) CachedResult(taskID string) (domain.CanonicalResult, bool) {
	return s.results.Get(taskID)
}
