package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quorumauthz/core/internal/scope"
)

// SQLiteStore is a persistent, no-cgo Approval store backed by
// modernc.org/sqlite: a single `kv` table realizes the ordered-KV-with-
// prefix-iteration shape the in-memory store gets from a plain map, with a
// ticked DELETE sweep standing in for MemoryStore's goroutine eviction.
type SQLiteStore struct {
	db *sql.DB

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
}

const approvalSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key         TEXT PRIMARY KEY,
	scope       TEXT NOT NULL,
	identity    TEXT NOT NULL,
	resource    TEXT NOT NULL,
	action      TEXT NOT NULL,
	granted_by  TEXT NOT NULL,
	granted_at  INTEGER NOT NULL,
	expires_at  INTEGER,
	metadata    BLOB
);
CREATE INDEX IF NOT EXISTS kv_scope_idx ON kv(scope);
`

// OpenSQLiteStore opens (creating if absent) a SQLite-backed Approval store
// at path, e.g. "file:approvals.db?_pragma=journal_mode(WAL)".
func OpenSQLiteStore(path string, cleanupInterval time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("approval: open sqlite store: %w", err)
	}
	if _, err := db.Exec(approvalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("approval: migrate sqlite store: %w", err)
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &SQLiteStore{db: db, stopChan: make(chan struct{}), cleanupInterval: cleanupInterval}, nil
}

func (s *SQLiteStore) Grant(ctx context.Context, a Approval) error {
	a.normalize()
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("approval: encode metadata: %w", err)
	}
	var expiresAt *int64
	if a.ExpiresAt != nil {
		unix := a.ExpiresAt.Unix()
		expiresAt = &unix
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, scope, identity, resource, action, granted_by, granted_at, expires_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			granted_by = excluded.granted_by,
			granted_at = excluded.granted_at,
			expires_at = excluded.expires_at,
			metadata = excluded.metadata`,
		a.Key(), a.Scope.Encode(), a.Identity, a.Resource, a.Action, a.GrantedBy, a.GrantedAt.Unix(), expiresAt, metaJSON)
	if err != nil {
		return fmt.Errorf("approval: grant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Revoke(ctx context.Context, sc scope.Scope, identity, resource, action string) error {
	key := (Approval{Scope: sc, Identity: identity, Resource: resource, Action: action}).Key()
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("approval: revoke: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approval: revoke: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) HasLive(ctx context.Context, sc scope.Scope, identity, resource, action string) (bool, error) {
	key := (Approval{Scope: sc, Identity: identity, Resource: resource, Action: action}).Key()
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM kv WHERE key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("approval: has_live: %w", err)
	}
	if !expiresAt.Valid {
		return true, nil
	}
	return time.Unix(expiresAt.Int64, 0).After(time.Now()), nil
}

// Size returns the total number of rows currently stored, live or expired.
func (s *SQLiteStore) Size() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (s *SQLiteStore) List(ctx context.Context, sc scope.Scope) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, resource, action, granted_by, granted_at, expires_at, metadata
		FROM kv WHERE scope = ?`, sc.Encode())
	if err != nil {
		return nil, fmt.Errorf("approval: list: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		var grantedAt int64
		var expiresAt sql.NullInt64
		var metaJSON []byte
		if err := rows.Scan(&a.Identity, &a.Resource, &a.Action, &a.GrantedBy, &grantedAt, &expiresAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("approval: list: %w", err)
		}
		a.Scope = sc
		a.GrantedAt = time.Unix(grantedAt, 0)
		if expiresAt.Valid {
			t := time.Unix(expiresAt.Int64, 0)
			a.ExpiresAt = &t
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
				return nil, fmt.Errorf("approval: list: decode metadata: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListByIdentity narrows List to a single identity within sc.
func (s *SQLiteStore) ListByIdentity(ctx context.Context, sc scope.Scope, identity string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, action, granted_by, granted_at, expires_at, metadata
		FROM kv WHERE scope = ? AND identity = ?`, sc.Encode(), identity)
	if err != nil {
		return nil, fmt.Errorf("approval: list by identity: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a := Approval{Scope: sc, Identity: identity}
		var grantedAt int64
		var expiresAt sql.NullInt64
		var metaJSON []byte
		if err := rows.Scan(&a.Resource, &a.Action, &a.GrantedBy, &grantedAt, &expiresAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("approval: list by identity: %w", err)
		}
		a.GrantedAt = time.Unix(grantedAt, 0)
		if expiresAt.Valid {
			t := time.Unix(expiresAt.Int64, 0)
			a.ExpiresAt = &t
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
				return nil, fmt.Errorf("approval: list by identity: decode metadata: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count returns the number of approvals recorded within sc, live or expired.
func (s *SQLiteStore) Count(ctx context.Context, sc scope.Scope) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE scope = ?`, sc.Encode()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("approval: count: %w", err)
	}
	return n, nil
}

// DeleteScope removes every approval recorded within sc.
func (s *SQLiteStore) DeleteScope(ctx context.Context, sc scope.Scope) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE scope = ?`, sc.Encode())
	if err != nil {
		return 0, fmt.Errorf("approval: delete scope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("approval: delete scope: %w", err)
	}
	return int(n), nil
}

// BatchGrant grants every approval in as within a single transaction.
func (s *SQLiteStore) BatchGrant(ctx context.Context, as []Approval) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("approval: batch grant: %w", err)
	}
	defer tx.Rollback()

	for _, a := range as {
		a.normalize()
		metaJSON, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("approval: batch grant: encode metadata: %w", err)
		}
		var expiresAt *int64
		if a.ExpiresAt != nil {
			unix := a.ExpiresAt.Unix()
			expiresAt = &unix
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, scope, identity, resource, action, granted_by, granted_at, expires_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				granted_by = excluded.granted_by,
				granted_at = excluded.granted_at,
				expires_at = excluded.expires_at,
				metadata = excluded.metadata`,
			a.Key(), a.Scope.Encode(), a.Identity, a.Resource, a.Action, a.GrantedBy, a.GrantedAt.Unix(), expiresAt, metaJSON); err != nil {
			return fmt.Errorf("approval: batch grant: %w", err)
		}
	}
	return tx.Commit()
}

// BatchHasLive reports liveness for each key in the same order given.
func (s *SQLiteStore) BatchHasLive(ctx context.Context, keys []ApprovalKey) ([]bool, error) {
	out := make([]bool, len(keys))
	for i, k := range keys {
		live, err := s.HasLive(ctx, k.Scope, k.Identity, k.Resource, k.Action)
		if err != nil {
			return nil, err
		}
		out[i] = live
	}
	return out, nil
}

// StartCleanup starts the background DELETE sweep for expired rows. It
// stops when ctx is cancelled or Close is called.
func (s *SQLiteStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.compact(ctx)
			}
		}
	}()
}

func (s *SQLiteStore) compact(ctx context.Context) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at < ?`, time.Now().Unix())
	if err != nil {
		slog.Error("approval store compaction failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("approval store compaction completed", "deleted", n)
	}
}

// Close stops the cleanup goroutine and closes the underlying database.
// Safe to call more than once.
func (s *SQLiteStore) Close() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
