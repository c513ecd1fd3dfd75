package store

import (
	"context"
	"sync"
	"time"
)

// Memory keeps messages in process memory. It is meant for local development
// and tests; nothing survives a restart.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	records []StoredRecord
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{nextID: 1, now: time.Now}
}

// Insert implements Store.
func (m *Memory) Insert(ctx context.Context, rec Record) (*StoredRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, insertFailed(err, "insert message")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := StoredRecord{ID: m.nextID, CreatedAt: At(m.now()), Record: rec}
	m.nextID++
	m.records = append(m.records, stored)
	return &stored, nil
}

// Records returns a copy of every stored message in insertion order.
func (m *Memory) Records() []StoredRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredRecord(nil), m.records...)
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
