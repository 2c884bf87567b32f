package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jbenedik/face-registry/internal/database"
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("clustering run not found")

// Store persists finished clustering runs. Publication is all-or-nothing:
// a run is saved exactly once, complete, or not at all.
type Store interface {
	SaveProposalRun(ctx context.Context, run Run) error
	LatestProposalRun(ctx context.Context) (*Run, error)
}

// Runner executes clustering jobs in the background. One job runs at a
// time; the review pool is small enough that queueing would only hide
// staleness.
type Runner struct {
	engine *Engine
	faces  database.FaceReader
	store  Store

	mu      sync.Mutex
	runs    map[string]*Run
	cancels map[string]context.CancelFunc
	active  string
}

func NewRunner(engine *Engine, faces database.FaceReader, store Store) *Runner {
	return &Runner{
		engine:  engine,
		faces:   faces,
		store:   store,
		runs:    make(map[string]*Run),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches a clustering run over the inbox and skipped faces and
// returns its ID immediately. Fails if a run is already in flight.
func (r *Runner) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != "" {
		return "", fmt.Errorf("clustering run %s already in progress", r.active)
	}

	runID := uuid.New().String()
	run := &Run{
		RunID:     runID,
		Status:    RunRunning,
		StartedAt: time.Now(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.runs[runID] = run
	r.cancels[runID] = cancel
	r.active = runID

	go r.execute(ctx, runID)
	return runID, nil
}

// Cancel aborts a running job. The run is discarded in full; nothing
// reaches the store.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, ok := r.cancels[runID]
	if !ok {
		return ErrRunNotFound
	}
	cancel()
	return nil
}

// Status returns a copy of the run state.
func (r *Runner) Status(runID string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return *run, nil
}

// Wait blocks until the run has fully settled, persistence included. Used
// by the CLI; the web API polls Status instead.
func (r *Runner) Wait(runID string) (Run, error) {
	for {
		r.mu.Lock()
		run, ok := r.runs[runID]
		if !ok {
			r.mu.Unlock()
			return Run{}, ErrRunNotFound
		}
		_, inFlight := r.cancels[runID]
		if run.Status != RunRunning && !inFlight {
			out := *run
			r.mu.Unlock()
			return out, nil
		}
		r.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
	}
}

func (r *Runner) execute(ctx context.Context, runID string) {
	defer func() {
		r.mu.Lock()
		delete(r.cancels, runID)
		if r.active == runID {
			r.active = ""
		}
		r.mu.Unlock()
	}()

	// The candidate pool is everything not yet attached to an identity:
	// the inbox plus everything the reviewer skipped.
	faces, err := r.faces.ListByState(ctx, database.ReviewInbox, database.ReviewSkipped)
	if err != nil {
		r.finish(runID, func(run *Run) {
			run.Status = RunFailed
			run.Error = err.Error()
		})
		return
	}

	proposals, err := r.engine.Cluster(ctx, faces, nil)
	if err != nil {
		status := RunFailed
		if errors.Is(err, context.Canceled) {
			status = RunCancelled
		}
		r.finish(runID, func(run *Run) {
			run.Status = status
			run.Error = err.Error()
		})
		return
	}

	r.finish(runID, func(run *Run) {
		run.Status = RunDone
		run.FaceCount = len(faces)
		run.Proposals = proposals
	})

	run, err := r.Status(runID)
	if err != nil {
		return
	}
	if err := r.store.SaveProposalRun(context.Background(), run); err != nil {
		log.Printf("failed to persist clustering run %s: %v", runID, err)
		r.finish(runID, func(run *Run) {
			run.Status = RunFailed
			run.Error = fmt.Sprintf("persist: %v", err)
		})
	}
}

func (r *Runner) finish(runID string, update func(*Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return
	}
	update(run)
	now := time.Now()
	run.FinishedAt = &now
}
