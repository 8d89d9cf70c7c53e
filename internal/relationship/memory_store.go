package relationship

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quorumauthz/core/internal/scope"
)

// MemoryStore is an in-process Relationship store, safe for concurrent use.
// Forward edges are also indexed by (scope, subject, relation) so
// HasTransitive's breadth-first search can fetch a node's neighbors
// without scanning the whole table. A background goroutine evicts expired
// edges, mirroring the approval store's cleanup lifecycle.
type MemoryStore struct {
	mu    sync.RWMutex
	byKey map[string]Relationship
	// adjacency[scope][subject][relation] -> set of objects, for BFS.
	adjacency map[string]map[string]map[string]map[string]struct{}

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
}

func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &MemoryStore{
		byKey:           make(map[string]Relationship),
		adjacency:       make(map[string]map[string]map[string]map[string]struct{}),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
}

func (m *MemoryStore) Add(ctx context.Context, r Relationship) error {
	r.normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[r.Key()] = r
	m.index(r)
	return nil
}

func (m *MemoryStore) index(r Relationship) {
	sc := r.Scope.Encode()
	if m.adjacency[sc] == nil {
		m.adjacency[sc] = make(map[string]map[string]map[string]struct{})
	}
	if m.adjacency[sc][r.Subject] == nil {
		m.adjacency[sc][r.Subject] = make(map[string]map[string]struct{})
	}
	if m.adjacency[sc][r.Subject][r.Relation] == nil {
		m.adjacency[sc][r.Subject][r.Relation] = make(map[string]struct{})
	}
	m.adjacency[sc][r.Subject][r.Relation][r.Object] = struct{}{}
}

func (m *MemoryStore) unindex(r Relationship) {
	sc := r.Scope.Encode()
	if objs := m.adjacency[sc][r.Subject][r.Relation]; objs != nil {
		delete(objs, r.Object)
	}
}

func (m *MemoryStore) Remove(ctx context.Context, sc scope.Scope, subject, relation, object string) error {
	key := (Relationship{Scope: sc, Subject: subject, Relation: relation, Object: object}).Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byKey[key]
	if !ok {
		return ErrNotFound
	}
	delete(m.byKey, key)
	m.unindex(r)
	return nil
}

func (m *MemoryStore) Has(ctx context.Context, sc scope.Scope, subject, relation, object string) (bool, error) {
	key := (Relationship{Scope: sc, Subject: subject, Relation: relation, Object: object}).Key()
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byKey[key]
	if !ok {
		return false, nil
	}
	return r.Live(time.Now()), nil
}

// HasTransitive runs a breadth-first search from subject, following only
// live edges tagged with relation, up to maxDepth hops, looking for object.
func (m *MemoryStore) HasTransitive(ctx context.Context, sc scope.Scope, subject, relation, object string, maxDepth int) (bool, error) {
	if subject == object {
		return true, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	visited := map[string]bool{subject: true}
	frontier := []string{subject}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, node := range frontier {
			for neighbor := range m.adjacency[sc.Encode()][node][relation] {
				if visited[neighbor] {
					continue
				}
				key := (Relationship{Scope: sc, Subject: node, Relation: relation, Object: neighbor}).Key()
				if !m.byKey[key].Live(now) {
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

// Size returns the number of edges currently held, live or expired.
func (m *MemoryStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

func (m *MemoryStore) ListBySubject(ctx context.Context, sc scope.Scope, subject string) ([]Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []Relationship
	for relation, byRelation := range m.adjacency[sc.Encode()][subject] {
		for object := range byRelation {
			for _, r := range m.byKey {
				if r.Scope.Encode() == sc.Encode() && r.Subject == subject && r.Relation == relation && r.Object == object && r.Live(now) {
					out = append(out, r)
				}
			}
		}
	}
	return out, nil
}

// ListBySubjectAndRelation narrows ListBySubject to a single relation name.
func (m *MemoryStore) ListBySubjectAndRelation(ctx context.Context, sc scope.Scope, subject, relation string) ([]Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []Relationship
	for object := range m.adjacency[sc.Encode()][subject][relation] {
		key := (Relationship{Scope: sc, Subject: subject, Relation: relation, Object: object}).Key()
		if r, ok := m.byKey[key]; ok && r.Live(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// FindPath runs the same breadth-first search as HasTransitive but records
// parent pointers so it can return the shortest chain of nodes from subject
// to target, rather than just whether one exists. Frontier nodes and their
// neighbors are both visited in lexicographic order, so among several
// equally-short paths FindPath always returns the same one.
func (m *MemoryStore) FindPath(ctx context.Context, sc scope.Scope, subject, relation, target string, maxDepth int) ([]string, bool, error) {
	if subject == target {
		return []string{subject}, true, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	parent := map[string]string{subject: ""}
	frontier := []string{subject}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		sort.Strings(frontier)
		var next []string
		for _, node := range frontier {
			neighbors := make([]string, 0, len(m.adjacency[sc.Encode()][node][relation]))
			for neighbor := range m.adjacency[sc.Encode()][node][relation] {
				neighbors = append(neighbors, neighbor)
			}
			sort.Strings(neighbors)
			for _, neighbor := range neighbors {
				if _, seen := parent[neighbor]; seen {
					continue
				}
				key := (Relationship{Scope: sc, Subject: node, Relation: relation, Object: neighbor}).Key()
				if !m.byKey[key].Live(now) {
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

func reconstructPath(parent map[string]string, subject, target string) []string {
	path := []string{target}
	for node := target; node != subject; {
		node = parent[node]
		path = append(path, node)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func (m *MemoryStore) StartCleanup(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.evictExpired()
			}
		}
	}()
}

func (m *MemoryStore) evictExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, r := range m.byKey {
		if !r.Live(now) {
			delete(m.byKey, key)
			m.unindex(r)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("relationship store eviction completed", "evicted", evicted, "remaining", len(m.byKey))
	}
}

func (m *MemoryStore) Close() {
	m.once.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

var _ Store = (*MemoryStore)(nil)
