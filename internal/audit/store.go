package audit

import (
	"context"
	"sync"
)

// Store persists sealed entries in chain order.
type Store interface {
	// WriteBatch durably appends entries. It must be idempotent for entries
	// that were already written by a previous, partially failed call.
	WriteBatch(ctx context.Context, entries []*Entry) error

	// ReadAll returns every persisted entry in sequence order.
	ReadAll(ctx context.Context) ([]*Entry, error)

	Ping(ctx context.Context) error
}

// Publisher receives entries after they were persisted.
type Publisher interface {
	Publish(entries []*Entry)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	lastSeq uint64

	// FailWith, when set, is returned by WriteBatch.
	FailWith error
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) WriteBatch(_ context.Context, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	for _, e := range entries {
		if e.Sequence <= m.lastSeq {
			continue
		}
		m.entries = append(m.entries, e.clone())
		m.lastSeq = e.Sequence
	}
	return nil
}

func (m *MemoryStore) ReadAll(_ context.Context) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.clone()
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// SetFailure sets or clears the error returned by WriteBatch.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailWith = err
}
