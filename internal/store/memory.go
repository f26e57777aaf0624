package store

import (
	"context"
	"sort"
	"sync"

	"github.com/chadiek/practice-call/internal/conversation"
)

// Memory keeps records in process. It is the default store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	blobs   map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), blobs: make(map[string][]byte)}
}

func (m *Memory) Save(_ context.Context, r Record) error {
	if !validID(r.ID) {
		return ErrInvalidID
	}
	r.Utterances = append([]conversation.Utterance(nil), r.Utterances...)
	m.mu.Lock()
	m.records[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context, id string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrInvalidID
	}
	m.mu.RLock()
	r, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	r.Utterances = append([]conversation.Utterance(nil), r.Utterances...)
	return r, nil
}

// List returns the newest records first.
func (m *Memory) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Upload(_ context.Context, key, _ string, data []byte) error {
	if key == "" {
		return ErrInvalidID
	}
	m.mu.Lock()
	m.blobs[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

// Blob returns an uploaded artifact.
func (m *Memory) Blob(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	return b, ok
}
