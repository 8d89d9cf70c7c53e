package relationship

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quorumauthz/core/internal/scope"
)

// SQLiteStore is a persistent, no-cgo Relationship store backed by
// modernc.org/sqlite. HasTransitive loads the live edge set for the
// current scope+relation once and runs the same in-memory BFS as
// MemoryStore, rather than issuing one query per hop.
type SQLiteStore struct {
	db *sql.DB

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
}

const relationshipSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key           TEXT PRIMARY KEY,
	scope         TEXT NOT NULL,
	subject       TEXT NOT NULL,
	relation      TEXT NOT NULL,
	object        TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	created_by    TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER,
	metadata      BLOB
);
CREATE INDEX IF NOT EXISTS kv_scope_subject_relation_idx ON kv(scope, subject, relation);
`

func OpenSQLiteStore(path string, cleanupInterval time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("relationship: open sqlite store: %w", err)
	}
	if _, err := db.Exec(relationshipSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("relationship: migrate sqlite store: %w", err)
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &SQLiteStore{db: db, stopChan: make(chan struct{}), cleanupInterval: cleanupInterval}, nil
}

func (s *SQLiteStore) Add(ctx context.Context, r Relationship) error {
	r.normalize()
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("relationship: encode metadata: %w", err)
	}
	var expiresAt *int64
	if r.ExpiresAt != nil {
		unix := r.ExpiresAt.Unix()
		expiresAt = &unix
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, scope, subject, relation, object, relation_type, created_by, created_at, expires_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			relation_type = excluded.relation_type,
			created_by = excluded.created_by,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			metadata = excluded.metadata`,
		r.Key(), r.Scope.Encode(), r.Subject, r.Relation, r.Object, r.RelationType.String(), r.CreatedBy, r.CreatedAt.Unix(), expiresAt, metaJSON)
	if err != nil {
		return fmt.Errorf("relationship: add: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, sc scope.Scope, subject, relation, object string) error {
	key := (Relationship{Scope: sc, Subject: subject, Relation: relation, Object: object}).Key()
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("relationship: remove: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("relationship: remove: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Has(ctx context.Context, sc scope.Scope, subject, relation, object string) (bool, error) {
	key := (Relationship{Scope: sc, Subject: subject, Relation: relation, Object: object}).Key()
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM kv WHERE key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("relationship: has: %w", err)
	}
	if !expiresAt.Valid {
		return true, nil
	}
	return time.Unix(expiresAt.Int64, 0).After(time.Now()), nil
}

func (s *SQLiteStore) HasTransitive(ctx context.Context, sc scope.Scope, subject, relation, object string, maxDepth int) (bool, error) {
	if subject == object {
		return true, nil
	}
	adjacency, err := s.loadLiveAdjacency(ctx, sc, relation)
	if err != nil {
		return false, err
	}

	visited := map[string]bool{subject: true}
	frontier := []string{subject}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, node := range frontier {
			for _, neighbor := range adjacency[node] {
				if visited[neighbor] {
					continue
				}
				if neighbor == object {
					return true, nil
				}
				visited[neighbor] = true
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return false, nil
}

func (s *SQLiteStore) loadLiveAdjacency(ctx context.Context, sc scope.Scope, relation string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, object FROM kv
		WHERE scope = ? AND relation = ? AND (expires_at IS NULL OR expires_at > ?)`,
		sc.Encode(), relation, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("relationship: load adjacency: %w", err)
	}
	defer rows.Close()

	adjacency := make(map[string][]string)
	for rows.Next() {
		var subject, object string
		if err := rows.Scan(&subject, &object); err != nil {
			return nil, fmt.Errorf("relationship: load adjacency: %w", err)
		}
		adjacency[subject] = append(adjacency[subject], object)
	}
	return adjacency, rows.Err()
}

// Size returns the total number of edges currently stored, live or expired.
func (s *SQLiteStore) Size() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (s *SQLiteStore) ListBySubject(ctx context.Context, sc scope.Scope, subject string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT relation, object, relation_type, created_by, created_at, expires_at, metadata
		FROM kv WHERE scope = ? AND subject = ? AND (expires_at IS NULL OR expires_at > ?)`,
		sc.Encode(), subject, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("relationship: list by subject: %w", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		var relationType string
		var createdAt int64
		var expiresAt sql.NullInt64
		var metaJSON []byte
		if err := rows.Scan(&r.Relation, &r.Object, &relationType, &r.CreatedBy, &createdAt, &expiresAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("relationship: list by subject: %w", err)
		}
		r.Scope = sc
		r.Subject = subject
		r.RelationType = CustomType(relationType)
		r.CreatedAt = time.Unix(createdAt, 0)
		if expiresAt.Valid {
			t := time.Unix(expiresAt.Int64, 0)
			r.ExpiresAt = &t
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
				return nil, fmt.Errorf("relationship: list by subject: decode metadata: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListBySubjectAndRelation narrows ListBySubject to a single relation name.
func (s *SQLiteStore) ListBySubjectAndRelation(ctx context.Context, sc scope.Scope, subject, relation string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object, relation_type, created_by, created_at, expires_at, metadata
		FROM kv WHERE scope = ? AND subject = ? AND relation = ? AND (expires_at IS NULL OR expires_at > ?)`,
		sc.Encode(), subject, relation, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("relationship: list by subject and relation: %w", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		r := Relationship{Scope: sc, Subject: subject, Relation: relation}
		var relationType string
		var createdAt int64
		var expiresAt sql.NullInt64
		var metaJSON []byte
		if err := rows.Scan(&r.Object, &relationType, &r.CreatedBy, &createdAt, &expiresAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("relationship: list by subject and relation: %w", err)
		}
		r.RelationType = CustomType(relationType)
		r.CreatedAt = time.Unix(createdAt, 0)
		if expiresAt.Valid {
			t := time.Unix(expiresAt.Int64, 0)
			r.ExpiresAt = &t
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
				return nil, fmt.Errorf("relationship: list by subject and relation: decode metadata: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindPath loads the live edge set for relation once, then runs the same
// lexicographically tie-broken breadth-first search as MemoryStore.FindPath.
func (s *SQLiteStore) FindPath(ctx context.Context, sc scope.Scope, subject, relation, target string, maxDepth int) ([]string, bool, error) {
	if subject == target {
		return []string{subject}, true, nil
	}
	adjacency, err := s.loadLiveAdjacency(ctx, sc, relation)
	if err != nil {
		return nil, false, err
	}

	parent := map[string]string{subject: ""}
	frontier := []string{subject}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		sort.Strings(frontier)
		var next []string
		for _, node := range frontier {
			neighbors := append([]string(nil), adjacency[node]...)
			sort.Strings(neighbors)
			for _, neighbor := range neighbors {
				if _, seen := parent[neighbor]; seen {
					continue
				}
				parent[neighbor] = node
				if neighbor == target {
					return reconstructPath(parent, subject, target), true, nil
				}
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return nil, false, nil
}

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
		slog.Error("relationship store compaction failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("relationship store compaction completed", "deleted", n)
	}
}

func (s *SQLiteStore) Close() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
