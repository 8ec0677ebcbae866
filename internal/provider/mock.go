package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MethodFunc scripts the answer to one JSON-RPC method. The result is JSON encoded.
type MethodFunc func(ctx context.Context, params []any) (any, error)

// Call records a request seen by a Mock.
type Call struct {
	Method string
	Params []any
}

// Mock is an in-process provider whose methods are scripted per method name and
// whose events are fired explicitly. It backs the mock connector and tests.
type Mock struct {
	mu        sync.Mutex
	flags     map[string]bool
	methods   map[string]MethodFunc
	listeners map[string][]*mockListener
	calls     []Call
	nextID    int
}

var _ Provider = (*Mock)(nil)

type mockListener struct {
	id      int
	event   string
	handler Handler
	mock    *Mock
	once    sync.Once
}

func (l *mockListener) Remove() {
	l.once.Do(func() { l.mock.removeListener(l.event, l.id) })
}

// NewMock creates a mock advertising the given detection flags.
func NewMock(flags ...string) *Mock {
	m := &Mock{
		flags:     make(map[string]bool),
		methods:   make(map[string]MethodFunc),
		listeners: make(map[string][]*mockListener),
	}
	for _, f := range flags {
		m.flags[f] = true
	}
	return m
}

// Handle scripts method.
func (m *Mock) Handle(method string, fn MethodFunc) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[method] = fn
	return m
}

// Return scripts method to always answer result.
func (m *Mock) Return(method string, result any) *Mock {
	return m.Handle(method, func(context.Context, []any) (any, error) { return result, nil })
}

// Fail scripts method to always fail with err.
func (m *Mock) Fail(method string, err error) *Mock {
	return m.Handle(method, func(context.Context, []any) (any, error) { return nil, err })
}

// SetFlag toggles a detection flag.
func (m *Mock) SetFlag(flag string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[flag] = on
}

func (m *Mock) Has(flag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[flag]
}

func (m *Mock) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Params: params})
	fn, ok := m.methods[method]
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewRPCError(CodeUnsupportedMethod, fmt.Sprintf("method %s not supported", method))
	}
	result, err := fn(ctx, params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", method, err)
	}
	return raw, nil
}

func (m *Mock) On(event string, handler Handler) Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	l := &mockListener{id: m.nextID, event: event, handler: handler, mock: m}
	m.listeners[event] = append(m.listeners[event], l)
	return l
}

func (m *Mock) removeListener(event string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls := m.listeners[event]
	for i, l := range ls {
		if l.id == id {
			m.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// Fire delivers data to every listener of event, synchronously and in order.
func (m *Mock) Fire(event string, data any) {
	m.mu.Lock()
	snapshot := make([]*mockListener, len(m.listeners[event]))
	copy(snapshot, m.listeners[event])
	m.mu.Unlock()

	for _, l := range snapshot {
		if m.hasListener(event, l.id) {
			l.handler(data)
		}
	}
}

func (m *Mock) hasListener(event string, id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.listeners[event] {
		if l.id == id {
			return true
		}
	}
	return false
}

// ListenerCount returns the live listeners for event.
func (m *Mock) ListenerCount(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners[event])
}

// Calls returns every recorded request for method, or all of them when method is empty.
func (m *Mock) Calls(method string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (m *Mock) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
