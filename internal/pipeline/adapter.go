package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// Adapter is the boundary to an external generation/description service.
// Submit and Poll are the only operations that cross a network boundary; both
// take a context and must be independently cancellable. Any concrete backend
// (image, video, TTS, captioning) plugs in here, which is also the seam for
// test doubles.
type Adapter interface {
	// Submit starts external work and returns the service's correlation id.
	// A returned error is wrapped as a *SubmissionError by the engine.
	Submit(ctx context.Context, taskType string, params map[string]string) (string, error)
	// Poll reports the current state of previously submitted work. A
	// *TransientPollError means "ask again later"; a *PermanentPollError is
	// equivalent to an explicit failed outcome.
	Poll(ctx context.Context, taskType string, externalID string) (PollResult, error)
	// Cancel is best effort; backends that cannot cancel return nil and the
	// eventual outcome is ignored against the already-terminal run.
	Cancel(ctx context.Context, taskType string, externalID string) error
}

type PollStatus string

const (
	PollRunning   PollStatus = "running"
	PollCompleted PollStatus = "completed"
	PollFailed    PollStatus = "failed"
)

type PollResult struct {
	Status PollStatus
	Result map[string]any
	Error  string
}

// AdapterMux routes task types to backends. Task types are namespaced
// "backend.operation" (image.generate, audio.transcribe, ...); registration
// is by exact task type with an optional prefix fallback.
type AdapterMux struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewAdapterMux() *AdapterMux {
	return &AdapterMux{adapters: make(map[string]Adapter)}
}

func (m *AdapterMux) Register(taskType string, a Adapter) error {
	if a == nil {
		return fmt.Errorf("nil adapter")
	}
	if taskType == "" {
		return fmt.Errorf("empty task type")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.adapters[taskType]; exists {
		return fmt.Errorf("adapter already registered for task_type=%s", taskType)
	}
	m.adapters[taskType] = a
	return nil
}

func (m *AdapterMux) lookup(taskType string) (Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.adapters[taskType]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("no adapter registered for task_type=%s", taskType)
}

func (m *AdapterMux) Submit(ctx context.Context, taskType string, params map[string]string) (string, error) {
	a, err := m.lookup(taskType)
	if err != nil {
		return "", err
	}
	return a.Submit(ctx, taskType, params)
}

func (m *AdapterMux) Poll(ctx context.Context, taskType string, externalID string) (PollResult, error) {
	a, err := m.lookup(taskType)
	if err != nil {
		return PollResult{}, &PermanentPollError{Err: err}
	}
	return a.Poll(ctx, taskType, externalID)
}

func (m *AdapterMux) Cancel(ctx context.Context, taskType string, externalID string) error {
	a, err := m.lookup(taskType)
	if err != nil {
		return err
	}
	return a.Cancel(ctx, taskType, externalID)
}
