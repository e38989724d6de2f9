package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/michaelbrown/toolsmith/internal/agent"
	"github.com/michaelbrown/toolsmith/internal/config"
	"github.com/michaelbrown/toolsmith/internal/storage"
)

// ActiveRun is a run with an agent loaded in memory. Its connection scopes
// live only while a message is being processed.
type ActiveRun struct {
	Agent *agent.Agent
	mu    sync.Mutex // one message at a time per run

	cancelMu sync.Mutex
	cancel   context.CancelFunc // cancels the in-flight invocation
}

// start records how to cancel the message now being processed and returns
// a func that clears it.
func (ar *ActiveRun) start(cancel context.CancelFunc) (done func()) {
	ar.cancelMu.Lock()
	ar.cancel = cancel
	ar.cancelMu.Unlock()
	return func() {
		ar.cancelMu.Lock()
		ar.cancel = nil
		ar.cancelMu.Unlock()
	}
}

// Cancel stops the in-flight message, if there is one.
func (ar *ActiveRun) Cancel() {
	ar.cancelMu.Lock()
	defer ar.cancelMu.Unlock()
	if ar.cancel != nil {
		ar.cancel()
	}
}

// RunManager tracks which runs have an agent in memory.
type RunManager struct {
	mu   sync.RWMutex
	runs map[string]*ActiveRun
}

func NewRunManager() *RunManager {
	return &RunManager{runs: make(map[string]*ActiveRun)}
}

// Get returns an active run if it exists.
func (rm *RunManager) Get(runID string) (*ActiveRun, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	ar, ok := rm.runs[runID]
	return ar, ok
}

// GetOrCreate returns the active run, loading its agent and history if it
// is not in memory yet.
func (rm *RunManager) GetOrCreate(
	ctx context.Context,
	run *storage.Run,
	cfg *config.Config,
	store storage.Store,
	tools agent.ToolOpener,
	newClient agent.NewClientFunc,
) (*ActiveRun, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if ar, ok := rm.runs[run.ID]; ok {
		return ar, nil
	}

	a, _, err := agent.FromConfig(cfg, agent.Selection{
		Provider: run.Provider,
		Model:    run.Model,
		Profile:  run.Profile,
	}, tools, newClient)
	if err != nil {
		return nil, fmt.Errorf("building agent: %w", err)
	}

	messages, err := store.LoadMessages(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	a.SetHistory(messages)

	ar := &ActiveRun{Agent: a}
	rm.runs[run.ID] = ar
	return ar, nil
}

// Len returns the number of runs in memory.
func (rm *RunManager) Len() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.runs)
}

// Remove drops an active run and cancels any in-flight work.
func (rm *RunManager) Remove(runID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ar, ok := rm.runs[runID]; ok {
		ar.Cancel()
		delete(rm.runs, runID)
	}
}

// CloseAll cancels every active run.
func (rm *RunManager) CloseAll() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, ar := range rm.runs {
		ar.Cancel()
		delete(rm.runs, id)
	}
}
