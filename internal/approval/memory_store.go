package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumauthz/core/internal/scope"
)

// MemoryStore is an in-process Approval store, safe for concurrent use. A
// background goroutine periodically evicts expired approvals so the map
// never grows unbounded across a long-lived process; grant/revoke/lookup
// themselves never need to scan the whole table.
type MemoryStore struct {
	mu      sync.RWMutex
	byKey   map[string]Approval
	byScope map[string]map[string]struct{} // scope.Encode() -> set of keys

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
}

// NewMemoryStore returns a MemoryStore that evicts expired approvals every
// cleanupInterval. Callers should call StartCleanup to begin the
// background sweep and Close to stop it.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &MemoryStore{
		byKey:           make(map[string]Approval),
		byScope:         make(map[string]map[string]struct{}),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
}

func (m *MemoryStore) Grant(ctx context.Context, a Approval) error {
	a.normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.Key()
	m.byKey[key] = a
	sc := a.Scope.Encode()
	if m.byScope[sc] == nil {
		m.byScope[sc] = make(map[string]struct{})
	}
	m.byScope[sc][key] = struct{}{}
	return nil
}

func (m *MemoryStore) Revoke(ctx context.Context, sc scope.Scope, identity, resource, action string) error {
	key := (Approval{Scope: sc, Identity: identity, Resource: resource, Action: action}).Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[key]; !ok {
		return ErrNotFound
	}
	delete(m.byKey, key)
	delete(m.byScope[sc.Encode()], key)
	return nil
}

func (m *MemoryStore) HasLive(ctx context.Context, sc scope.Scope, identity, resource, action string) (bool, error) {
	key := (Approval{Scope: sc, Identity: identity, Resource: resource, Action: action}).Key()
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byKey[key]
	if !ok {
		return false, nil
	}
	return a.Live(time.Now()), nil
}

// Size returns the number of approvals currently held, live or expired.
// Used by internal/obs/health as a liveness signal.
func (m *MemoryStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

func (m *MemoryStore) List(ctx context.Context, sc scope.Scope) ([]Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.byScope[sc.Encode()]
	out := make([]Approval, 0, len(keys))
	for k := range keys {
		out = append(out, m.byKey[k])
	}
	return out, nil
}

// ListByIdentity narrows List to a single identity within sc.
func (m *MemoryStore) ListByIdentity(ctx context.Context, sc scope.Scope, identity string) ([]Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.byScope[sc.Encode()]
	out := make([]Approval, 0, len(keys))
	for k := range keys {
		if a := m.byKey[k]; a.Identity == identity {
			out = append(out, a)
		}
	}
	return out, nil
}

// Count returns the number of approvals recorded within sc, live or expired.
func (m *MemoryStore) Count(ctx context.Context, sc scope.Scope) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byScope[sc.Encode()]), nil
}

// DeleteScope removes every approval recorded within sc.
func (m *MemoryStore) DeleteScope(ctx context.Context, sc scope.Scope) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	enc := sc.Encode()
	keys := m.byScope[enc]
	n := len(keys)
	for k := range keys {
		delete(m.byKey, k)
	}
	delete(m.byScope, enc)
	return n, nil
}

// BatchGrant grants every approval in as in order, stopping at the first
// error.
func (m *MemoryStore) BatchGrant(ctx context.Context, as []Approval) error {
	for _, a := range as {
		if err := m.Grant(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// BatchHasLive reports liveness for each key in the same order given.
func (m *MemoryStore) BatchHasLive(ctx context.Context, keys []ApprovalKey) ([]bool, error) {
	out := make([]bool, len(keys))
	for i, k := range keys {
		live, err := m.HasLive(ctx, k.Scope, k.Identity, k.Resource, k.Action)
		if err != nil {
			return nil, err
		}
		out[i] = live
	}
	return out, nil
}

// StartCleanup starts the background eviction goroutine. It stops when ctx
// is cancelled or Close is called.
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
	for key, a := range m.byKey {
		if !a.Live(now) {
			delete(m.byKey, key)
			delete(m.byScope[a.Scope.Encode()], key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("approval store eviction completed", "evicted", evicted, "remaining", len(m.byKey))
	}
}

// Close stops the cleanup goroutine and waits for it to exit. Safe to call
// more than once.
func (m *MemoryStore) Close() {
	m.once.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

var _ Store = (*MemoryStore)(nil)
