package backend

import (
	"context"
	"sync"
)

// StubRuntime is an in-memory Runtime for tests and dry runs. It records
// started specs and never launches processes.
type StubRuntime struct {
	mu       sync.Mutex
	started  map[string]Spec
	nextPort int

	// StartErr, when set, fails every Start with this error.
	StartErr error
}

// NewStubRuntime returns an empty stub.
func NewStubRuntime() *StubRuntime {
	return &StubRuntime{started: make(map[string]Spec), nextPort: 40000}
}

func (s *StubRuntime) Start(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return Process{}, err
	}
	if s.StartErr != nil {
		return Process{}, s.StartErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[spec.InstanceName] = spec
	s.nextPort++
	return Process{PID: 1000 + s.nextPort, Port: s.nextPort, BaseURL: "http://127.0.0.1:0"}, nil
}

func (s *StubRuntime) Stop(instanceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.started, instanceName)
	return nil
}

func (s *StubRuntime) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = make(map[string]Spec)
}

func (s *StubRuntime) Alive(instanceName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.started[instanceName]
	return ok
}

// Started returns a copy of the running specs, for assertions.
func (s *StubRuntime) Started() map[string]Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Spec, len(s.started))
	for k, v := range s.started {
		out[k] = v
	}
	return out
}
