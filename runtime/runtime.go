package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// CallListener receives the outcome of every skill invocation. The error
// tracker and the observation manager both register as listeners.
type CallListener interface {
	OnCallResult(skillName string, succeeded bool)
}

// Runtime executes live skills and fans out call outcomes to listeners.
type Runtime struct {
	store *SourceStore
	exec  *Executor

	mu        sync.RWMutex
	listeners []CallListener

	logger *zap.Logger
}

// NewRuntime wires a source store and an executor together.
func NewRuntime(store *SourceStore, exec *Executor, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		store:  store,
		exec:   exec,
		logger: logger.With(zap.String("component", "skill_runtime")),
	}
}

// AddCallListener registers a listener for call outcomes.
func (r *Runtime) AddCallListener(listener CallListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Store exposes the underlying source store to the pipeline.
func (r *Runtime) Store() *SourceStore { return r.store }

// Invoke loads the live source for a skill, executes it against the input
// and reports the outcome to all listeners.
func (r *Runtime) Invoke(ctx context.Context, skillName string, input json.RawMessage) (json.RawMessage, error) {
	source, err := r.store.CurrentSource(skillName)
	if err != nil {
		// No source means no call happened; listeners are not notified.
		return nil, err
	}

	output, err := r.exec.Execute(ctx, source, input)
	r.dispatch(skillName, err == nil)

	if err != nil {
		r.logger.Warn("skill invocation failed",
			zap.String("skill", skillName),
			zap.Error(err),
		)
		return nil, err
	}
	return output, nil
}

func (r *Runtime) dispatch(skillName string, succeeded bool) {
	r.mu.RLock()
	listeners := make([]CallListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, l := range listeners {
		l.OnCallResult(skillName, succeeded)
	}
}
