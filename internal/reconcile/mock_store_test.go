package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/alfredjeanlab/gmscreen/internal/model"
	"github.com/alfredjeanlab/gmscreen/internal/store"
)

// mockStore is an in-memory store.RunStore for tests.
type mockStore struct {
	mu      sync.Mutex
	runs    map[string]*model.Run
	order   []string
	failAll error
	ops     []string
}

var _ store.RunStore = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{runs: make(map[string]*model.Run)}
}

func clone(r *model.Run) *model.Run {
	c := *r
	return &c
}

func (m *mockStore) LatestRun(_ context.Context, tenantID, sessionID string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	for i := len(m.order) - 1; i >= 0; i-- {
		r, ok := m.runs[m.order[i]]
		if ok && r.TenantID == tenantID && r.SessionID == sessionID {
			return clone(r), nil
		}
	}
	return nil, nil
}

func (m *mockStore) CreateRun(_ context.Context, r *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	m.runs[r.ID] = clone(r)
	m.order = append(m.order, r.ID)
	m.ops = append(m.ops, "create")
	return nil
}

func (m *mockStore) UpdateRun(_ context.Context, r *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	if _, ok := m.runs[r.ID]; !ok {
		return store.ErrNotFound
	}
	m.runs[r.ID] = clone(r)
	m.ops = append(m.ops, "update")
	return nil
}

func (m *mockStore) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	if _, ok := m.runs[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.runs, id)
	m.ops = append(m.ops, "delete")
	return nil
}

func (m *mockStore) ListRuns(_ context.Context, filter model.RunFilter) ([]*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	var out []*model.Run
	for _, id := range m.order {
		r, ok := m.runs[id]
		if !ok {
			continue
		}
		if filter.TenantID != "" && r.TenantID != filter.TenantID {
			continue
		}
		if filter.OpenOnly && !r.Open() {
			continue
		}
		out = append(out, clone(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) all() []*model.Run {
	runs, _ := m.ListRuns(context.Background(), model.RunFilter{})
	return runs
}

func (m *mockStore) setFail(err error) {
	m.mu.Lock()
	m.failAll = err
	m.mu.Unlock()
}

var errStoreDown = errors.New("store down")
