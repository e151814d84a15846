package engine

import (
	"context"
	"sync"
)

// MockEngine is a mock implementation of Engine for testing
type MockEngine struct {
	// Handler produces the results for a submission. When nil, every requested
	// target succeeds with no items.
	Handler func(ctx context.Context, s Submission) (Results, error)

	mu          sync.Mutex
	submissions []Submission
	cancelled   int
	inFlight    int
	maxInFlight int
	cancels     map[int]context.CancelFunc
	nextID      int
}

func (m *MockEngine) Submit(ctx context.Context, s Submission) (Results, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.cancels == nil {
		m.cancels = make(map[int]context.CancelFunc)
	}
	m.nextID++
	id := m.nextID
	m.cancels[id] = cancel
	m.submissions = append(m.submissions, s)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		delete(m.cancels, id)
		m.mu.Unlock()
	}()

	if m.Handler == nil {
		results := make(Results, len(s.Targets))
		for _, t := range s.Targets {
			results[t] = TargetResult{Success: true}
		}
		return results, nil
	}
	return m.Handler(ctx, s)
}

func (m *MockEngine) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled++
	for _, cancel := range m.cancels {
		cancel()
	}
}

// Submissions returns a copy of everything submitted so far
func (m *MockEngine) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Submission(nil), m.submissions...)
}

// CancelCount returns how many times CancelAll was called
func (m *MockEngine) CancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// MaxInFlight returns the highest number of concurrently running submissions seen
func (m *MockEngine) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}
