package signaling

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryChannel is an in-process Channel for tests and single-node mode.
//
// Values are delivered synchronously on the writer's goroutine, outside the
// channel lock, so subscribers may write back into the channel. Concurrent
// writers to the same path may interleave deliveries.
type MemoryChannel struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
	subs   map[string]map[int]ValueFunc
	nextID int

	ops  []Op
	fail func(Op) error
}

type OpKind string

const (
	OpWrite  OpKind = "write"
	OpRemove OpKind = "remove"
	OpRead   OpKind = "read"
)

// Op is one attempted channel operation, recorded for inspection in tests.
type Op struct {
	Kind OpKind
	Path string
	Data json.RawMessage
	Err  error
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		values: make(map[string]json.RawMessage),
		subs:   make(map[string]map[int]ValueFunc),
	}
}

// FailWith installs a hook consulted before every operation; a non-nil
// return fails the operation with that error. Pass nil to clear it.
func (m *MemoryChannel) FailWith(fn func(Op) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

// Ops returns every attempted operation in order.
func (m *MemoryChannel) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, len(m.ops))
	copy(out, m.ops)
	return out
}

// Value returns the raw value stored at path, if any.
func (m *MemoryChannel) Value(path string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[path]
	return v, ok
}

func (m *MemoryChannel) Write(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	subs, err := m.apply(Op{Kind: OpWrite, Path: path, Data: data})
	if err != nil {
		return err
	}
	deliver(subs, Snapshot{Path: path, Data: data})
	return nil
}

func (m *MemoryChannel) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subs, err := m.apply(Op{Kind: OpRemove, Path: path})
	if err != nil {
		return err
	}
	deliver(subs, Snapshot{Path: path})
	return nil
}

func (m *MemoryChannel) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	op := Op{Kind: OpRead, Path: path}
	if m.fail != nil {
		op.Err = m.fail(op)
	}
	m.ops = append(m.ops, op)
	if op.Err != nil {
		return Snapshot{}, op.Err
	}
	return Snapshot{Path: path, Data: m.values[path]}, nil
}

// Subscribe never reports asynchronous errors, so onError is not retained.
func (m *MemoryChannel) Subscribe(ctx context.Context, path string, onValue ValueFunc, _ ErrorFunc) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.subs[path] == nil {
		m.subs[path] = make(map[int]ValueFunc)
	}
	m.subs[path][id] = onValue
	current := m.values[path]
	m.mu.Unlock()

	if len(current) > 0 && onValue != nil {
		onValue(Snapshot{Path: path, Data: current})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[path], id)
			if len(m.subs[path]) == 0 {
				delete(m.subs, path)
			}
			m.mu.Unlock()
		})
	}, nil
}

// Subscribers returns the number of live subscriptions on path.
func (m *MemoryChannel) Subscribers(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[path])
}

// apply records op, mutates the store and returns the subscribers to notify.
func (m *MemoryChannel) apply(op Op) ([]ValueFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		op.Err = m.fail(op)
	}
	m.ops = append(m.ops, op)
	if op.Err != nil {
		return nil, op.Err
	}
	switch op.Kind {
	case OpWrite:
		m.values[op.Path] = op.Data
	case OpRemove:
		delete(m.values, op.Path)
	}
	out := make([]ValueFunc, 0, len(m.subs[op.Path]))
	for _, s := range m.subs[op.Path] {
		out = append(out, s)
	}
	return out, nil
}

func deliver(subs []ValueFunc, snap Snapshot) {
	for _, fn := range subs {
		if fn != nil {
			fn(snap)
		}
	}
}
