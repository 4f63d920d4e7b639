package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryItem struct {
	entry Entry
	due   time.Time
}

// Memory is an in-process Outbox with the Redis queue's semantics.
type Memory struct {
	mu         sync.Mutex
	pending    map[uuid.UUID]memoryItem
	processing map[uuid.UUID]Entry
	dead       []Entry
}

func NewMemory() *Memory {
	return &Memory{
		pending:    map[uuid.UUID]memoryItem{},
		processing: map[uuid.UUID]Entry{},
	}
}

func (m *Memory) Enqueue(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	m.pending[entry.ID] = memoryItem{entry: *entry, due: entry.EnqueuedAt}
	return nil
}

func (m *Memory) Claim(_ context.Context, now time.Time, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}

	var due []memoryItem
	for _, item := range m.pending {
		if !item.due.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Entry, 0, len(due))
	for _, item := range due {
		delete(m.pending, item.entry.ID)
		m.processing[item.entry.ID] = item.entry
		e := item.entry
		out = append(out, &e)
	}
	return out, nil
}

func (m *Memory) Ack(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, entry.ID)
	return nil
}

func (m *Memory) Retry(_ context.Context, entry *Entry, cause string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, entry.ID)

	entry.Attempts++
	entry.LastError = cause
	if entry.Attempts >= MaxAttempts {
		m.dead = append(m.dead, *entry)
		return true, nil
	}
	m.pending[entry.ID] = memoryItem{entry: *entry, due: now.Add(Backoff(entry.Attempts))}
	return false, nil
}

func (m *Memory) Recover(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for id, entry := range m.processing {
		m.pending[id] = memoryItem{entry: entry, due: now}
		delete(m.processing, id)
		n++
	}
	return n, nil
}

func (m *Memory) Stats(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{
		"pending":    int64(len(m.pending)),
		"processing": int64(len(m.processing)),
		"dead":       int64(len(m.dead)),
	}, nil
}

// Dead returns a copy of the dead-lettered entries.
func (m *Memory) Dead() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.dead...)
}
