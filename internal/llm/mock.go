package llm

import (
	"context"
	"sync"
	"time"
)

// MockCompleter implements Completer for tests. It records call history and
// replays a preconfigured sequence of responses and errors.
type MockCompleter struct {
	mu        sync.Mutex
	responses []mockStep
	cursor    int
	calls     []CompletionRequest
	delay     time.Duration
	available bool
}

type mockStep struct {
	resp *CompletionResponse
	err  error
}

// NewMockCompleter returns an available mock with no scripted responses.
func NewMockCompleter() *MockCompleter {
	return &MockCompleter{available: true}
}

// EnqueueResponse appends a successful completion to the script.
func (m *MockCompleter) EnqueueResponse(content string, inputTokens, outputTokens int) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockStep{resp: &CompletionResponse{
		Content: content,
		Usage:   Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
		Model:   "mock",
	}})
	return m
}

// EnqueueError appends a failure to the script.
func (m *MockCompleter) EnqueueError(err error) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockStep{err: err})
	return m
}

// SetDelay simulates provider latency on every call.
func (m *MockCompleter) SetDelay(d time.Duration) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// SetAvailable toggles IsAvailable.
func (m *MockCompleter) SetAvailable(available bool) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = available
	return m
}

// Calls returns a copy of every request seen so far.
func (m *MockCompleter) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Complete invocations.
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockCompleter) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *MockCompleter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	delay := m.delay
	var step mockStep
	if m.cursor < len(m.responses) {
		step = m.responses[m.cursor]
		m.cursor++
	} else {
		step = mockStep{resp: &CompletionResponse{
			Content: "mock response",
			Usage:   Usage{InputTokens: 10, OutputTokens: 5},
			Model:   "mock",
		}}
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewCompleterError("mock", "cancelled", false, ctx.Err())
		}
	}

	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}
