package baseline

import (
	"context"
	"sync"
)

// MemoryStore keeps baselines in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	byEnv map[string][]*Baseline
	keep  int
}

func NewMemoryStore(keep int) *MemoryStore {
	if keep <= 0 {
		keep = DefaultKeepPerEnvironment
	}
	return &MemoryStore{byEnv: make(map[string][]*Baseline), keep: keep}
}

func (m *MemoryStore) Save(_ context.Context, b *Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.byEnv[b.Environment], b)
	sortByTime(list)
	if len(list) > m.keep {
		list = list[len(list)-m.keep:]
	}
	m.byEnv[b.Environment] = list
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, list := range m.byEnv {
		for _, b := range list {
			if b.ID == id {
				return b, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Latest(_ context.Context, environment string) (*Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byEnv[environment]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[len(list)-1], nil
}

func (m *MemoryStore) List(_ context.Context, environment string) ([]*Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Baseline(nil), m.byEnv[environment]...), nil
}
