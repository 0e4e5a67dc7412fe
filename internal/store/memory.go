// internal/store/memory.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process implementation of Store and
// DisconnectRegistry. It backs every test and is good enough for a
// single-node deployment where all clients talk to the same process.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Value

	nextSubID  int
	pathSubs   map[string]map[int]func(Value)
	prefixSubs map[string]map[int]func(string, Value)

	pending map[string]map[string]Value // session -> path -> value (nil = delete)

	// FailWrites, when > 0, makes the next N write calls fail with
	// ErrUnavailable. Used by tests to exercise retry paths.
	FailWrites int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]Value),
		pathSubs:   make(map[string]map[int]func(Value)),
		prefixSubs: make(map[string]map[int]func(string, Value)),
		pending:    make(map[string]map[string]Value),
	}
}

func (m *MemoryStore) Get(ctx context.Context, path string) (Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[path]
	if !ok {
		return nil, nil
	}
	out := make(Value, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, v interface{}) error {
	return m.MultiWrite(ctx, map[string]interface{}{path: v})
}

func (m *MemoryStore) MultiWrite(ctx context.Context, writes map[string]interface{}) error {
	encoded := make(map[string]Value, len(writes))
	for path, v := range writes {
		if v == nil {
			encoded[path] = nil
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal value for %s: %w", path, err)
		}
		encoded[path] = Value(b)
	}

	m.mu.Lock()
	if m.FailWrites > 0 {
		m.FailWrites--
		m.mu.Unlock()
		return fmt.Errorf("memory store write rejected: %w", ErrUnavailable)
	}
	notify := m.applyLocked(encoded)
	m.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

// applyLocked mutates data and collects notification closures. Callbacks run
// outside the lock so subscribers may call back into the store.
func (m *MemoryStore) applyLocked(encoded map[string]Value) []func() {
	var notify []func()
	for path, v := range encoded {
		if v == nil {
			delete(m.data, path)
		} else {
			m.data[path] = v
		}
		val := v
		for _, fn := range m.pathSubs[path] {
			f := fn
			notify = append(notify, func() { f(val) })
		}
		for prefix, subs := range m.prefixSubs {
			if !strings.HasPrefix(path, prefix) {
				continue
			}
			p := path
			for _, fn := range subs {
				f := fn
				notify = append(notify, func() { f(p, val) })
			}
		}
	}
	return notify
}

func (m *MemoryStore) Subscribe(ctx context.Context, path string, fn func(Value)) (UnsubscribeFunc, error) {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	if m.pathSubs[path] == nil {
		m.pathSubs[path] = make(map[int]func(Value))
	}
	m.pathSubs[path][id] = fn
	cur := m.data[path]
	m.mu.Unlock()

	// Fire immediately with the current value, matching the store contract.
	fn(cur)

	return func() {
		m.mu.Lock()
		delete(m.pathSubs[path], id)
		m.mu.Unlock()
	}, nil
}

func (m *MemoryStore) SubscribePrefix(ctx context.Context, prefix string, fn func(string, Value)) (UnsubscribeFunc, error) {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	if m.prefixSubs[prefix] == nil {
		m.prefixSubs[prefix] = make(map[int]func(string, Value))
	}
	m.prefixSubs[prefix][id] = fn
	existing := make(map[string]Value)
	for p, v := range m.data {
		if strings.HasPrefix(p, prefix) {
			existing[p] = v
		}
	}
	m.mu.Unlock()

	for p, v := range existing {
		fn(p, v)
	}

	return func() {
		m.mu.Lock()
		delete(m.prefixSubs[prefix], id)
		m.mu.Unlock()
	}, nil
}

func (m *MemoryStore) ListPrefix(ctx context.Context, prefix string) (map[string]Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Value)
	for p, v := range m.data {
		if strings.HasPrefix(p, prefix) {
			cp := make(Value, len(v))
			copy(cp, v)
			out[p] = cp
		}
	}
	return out, nil
}

func (m *MemoryStore) SetOnDisconnect(session, path string, v interface{}) error {
	var val Value
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal disconnect value for %s: %w", path, err)
		}
		val = Value(b)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[session] == nil {
		m.pending[session] = make(map[string]Value)
	}
	m.pending[session][path] = val
	return nil
}

func (m *MemoryStore) CancelOnDisconnect(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, session)
}

func (m *MemoryStore) FireDisconnect(ctx context.Context, session string) {
	m.mu.Lock()
	writes := m.pending[session]
	delete(m.pending, session)
	if len(writes) == 0 {
		m.mu.Unlock()
		return
	}
	notify := m.applyLocked(writes)
	m.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}
