// internal/kv/memory.go
package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process KV backend. It is the test substrate and the
// zero-config default for single-process deployments.
type Memory struct {
	mu   sync.Mutex
	data map[string]Entry
	ver  int64
	subs map[*memSub]struct{}
}

type memSub struct {
	keys   map[string]struct{}
	notify chan struct{} // buffered(1); coalesces bursts
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]Entry),
		subs: make(map[*memSub]struct{}),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key), nil
}

func (m *Memory) getLocked(key string) Entry {
	if e, ok := m.data[key]; ok {
		return e
	}
	return Entry{Key: key}
}

func (m *Memory) BatchGet(ctx context.Context, keys []string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(keys))
	for i, k := range keys {
		out[i] = m.getLocked(k)
	}
	return out, nil
}

func (m *Memory) ListPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for k, e := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Commit(ctx context.Context, checks []Check, writes []Write) error {
	m.mu.Lock()
	for _, c := range checks {
		if m.getLocked(c.Key).Version != c.Version {
			m.mu.Unlock()
			return ErrConflict
		}
	}
	touched := make(map[string]struct{}, len(writes))
	for _, w := range writes {
		if w.Delete {
			delete(m.data, w.Key)
		} else {
			m.ver++
			v := make([]byte, len(w.Value))
			copy(v, w.Value)
			m.data[w.Key] = Entry{Key: w.Key, Value: v, Version: m.ver}
		}
		touched[w.Key] = struct{}{}
	}
	var wake []*memSub
	for s := range m.subs {
		for k := range touched {
			if _, ok := s.keys[k]; ok {
				wake = append(wake, s)
				break
			}
		}
	}
	m.mu.Unlock()

	for _, s := range wake {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *Memory) Watch(ctx context.Context, keys ...string) <-chan []Entry {
	sub := &memSub{
		keys:   make(map[string]struct{}, len(keys)),
		notify: make(chan struct{}, 1),
	}
	for _, k := range keys {
		sub.keys[k] = struct{}{}
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	out := make(chan []Entry)
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.subs, sub)
			m.mu.Unlock()
			close(out)
		}()
		for {
			snap, _ := m.BatchGet(ctx, keys)
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
			select {
			case <-sub.notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (m *Memory) Close() error { return nil }
