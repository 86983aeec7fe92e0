package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process WAL used by tests and degraded environments.
// It honors the same ordering contract but carries no durability guarantee.
type Memory struct {
	mu   sync.Mutex
	recs []Record
}

// NewMemory returns an empty in-memory WAL.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(ctx context.Context, namespace, operation, key string, payload any) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("wal marshal payload: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := Record{
		Offset:    uint64(len(m.recs)),
		Namespace: namespace,
		Operation: operation,
		Path:      key,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
	m.recs = append(m.recs, rec)
	return rec.Offset, nil
}

func (m *Memory) Replay(ctx context.Context, handler func(Record) error) error {
	m.mu.Lock()
	snapshot := make([]Record, len(m.recs))
	copy(snapshot, m.recs)
	m.mu.Unlock()

	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of appended records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

// Records returns a copy of everything appended so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.recs))
	copy(out, m.recs)
	return out
}
