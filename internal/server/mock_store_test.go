package server

import (
	"context"
	"sort"
	"sync"

	"github.com/alfredjeanlab/gmscreen/internal/model"
	"github.com/alfredjeanlab/gmscreen/internal/store"
)

// mockStore is an in-memory store.RunStore.
type mockStore struct {
	mu      sync.Mutex
	runs    map[string]*model.Run
	listErr error
}

var _ store.RunStore = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{runs: make(map[string]*model.Run)}
}

func (m *mockStore) put(runs ...*model.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range runs {
		c := *r
		m.runs[r.ID] = &c
	}
}

func (m *mockStore) LatestRun(_ context.Context, tenantID, sessionID string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.Run
	for _, r := range m.runs {
		if r.TenantID != tenantID || r.SessionID != sessionID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

func (m *mockStore) CreateRun(_ context.Context, r *model.Run) error {
	m.put(r)
	return nil
}

func (m *mockStore) UpdateRun(_ context.Context, r *model.Run) error {
	m.mu.Lock()
	_, ok := m.runs[r.ID]
	m.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	m.put(r)
	return nil
}

func (m *mockStore) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.runs, id)
	return nil
}

func (m *mockStore) ListRuns(_ context.Context, f model.RunFilter) ([]*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*model.Run
	for _, r := range m.runs {
		if f.TenantID != "" && r.TenantID != f.TenantID {
			continue
		}
		if f.SessionID != "" && r.SessionID != f.SessionID {
			continue
		}
		if f.OpenOnly && !r.Open() {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}
