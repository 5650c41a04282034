package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/taulu/flowgrid/internal/engine"
	"github.com/taulu/flowgrid/internal/persistence"
	"github.com/taulu/flowgrid/internal/taskqueue"
	"github.com/taulu/flowgrid/pkg/api"
)

// DefaultPoolSize is the number of concurrent executions a Pool runs when
// none is configured.
const DefaultPoolSize = 8

// DefaultStuckAfter is the age past which a RUNNING execution with no store
// activity is presumed abandoned by a crashed worker.
const DefaultStuckAfter = 5 * time.Minute

// overLimitBackoff is how long an over-limit job waits before it is put
// back on the queue.
const overLimitBackoff = 250 * time.Millisecond

// Config wires a Pool to its collaborators. Engine, Queue and Store are
// required.
type Config struct {
	Engine *engine.Engine
	Queue  taskqueue.Queue
	Store  persistence.ExecutionStore

	// Size caps concurrent executions. Zero means DefaultPoolSize.
	Size int

	// StuckAfter is the RecoverStuck threshold applied on Start.
	// Zero means DefaultStuckAfter; negative disables the sweep.
	StuckAfter time.Duration

	Logger *slog.Logger
}

// Pool pulls jobs from a queue and runs each through the engine on a fixed
// set of workers. Executions beyond the pool size wait in the queue rather
// than spawning goroutines.
type Pool struct {
	engine     *engine.Engine
	queue      taskqueue.Queue
	store      persistence.ExecutionStore
	stuckAfter time.Duration
	logger     *slog.Logger

	// owner identifies this pool for execution leases: a lease taken under
	// this id keeps other workers off the same execution.
	owner    string
	leaseTTL time.Duration

	pool *ants.Pool

	mu      sync.Mutex
	cancel  context.CancelFunc
	runCtx  context.Context
	started bool

	wg sync.WaitGroup
}

// NewPool creates a Pool. It does not start pulling jobs until Start.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Engine == nil {
		return nil, errors.New("worker: engine is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("worker: queue is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("worker: store is required")
	}
	size := cfg.Size
	if size <= 0 {
		size = DefaultPoolSize
	}
	stuckAfter := cfg.StuckAfter
	if stuckAfter == 0 {
		stuckAfter = DefaultStuckAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("worker: create pool: %w", err)
	}

	leaseTTL := stuckAfter
	if leaseTTL <= 0 {
		leaseTTL = DefaultStuckAfter
	}

	return &Pool{
		engine:     cfg.Engine,
		queue:      cfg.Queue,
		store:      cfg.Store,
		stuckAfter: stuckAfter,
		logger:     logger,
		owner:      uuid.NewString(),
		leaseTTL:   leaseTTL,
		pool:       pool,
	}, nil
}

// Start sweeps abandoned executions, then begins pulling jobs until Stop is
// called or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("worker: already started")
	}
	p.started = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.runCtx = ctx
	p.mu.Unlock()

	if p.stuckAfter > 0 {
		recovered, err := p.store.RecoverStuck(ctx, p.stuckAfter)
		if err != nil {
			cancel()
			return fmt.Errorf("worker: recover stuck executions: %w", err)
		}
		if len(recovered) > 0 {
			p.logger.Warn("failed abandoned executions from a previous worker",
				"count", len(recovered), "execution_ids", recovered)
		}
	}

	p.wg.Add(1)
	go p.dispatch(runCtx)
	return nil
}

// dispatch is the single consumer loop. Each dequeued job is handed to the
// ants pool; Submit blocks while all workers are busy, which provides the
// backpressure that keeps queued jobs in the queue.
func (p *Pool) dispatch(ctx context.Context) {
	defer p.wg.Done()
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			p.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		// Jobs run on the Start context, not the dispatcher's: Stop cancels
		// the dequeue loop while in-flight executions finish.
		j := *job
		p.mu.Lock()
		jobCtx := p.runCtx
		p.mu.Unlock()
		p.wg.Add(1)
		if err := p.pool.Submit(func() {
			defer p.wg.Done()
			p.runJob(jobCtx, j)
		}); err != nil {
			p.wg.Done()
			if errors.Is(err, ants.ErrPoolClosed) {
				return
			}
			p.logger.Error("submit to pool failed", "error", err, "execution_id", j.ExecutionID)
		}
	}
}

// ProcessOne pulls a single job and runs it on the calling goroutine.
// It returns (false, err) when ctx was cancelled before a job was obtained.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, p.runJob(ctx, *job)
}

// runJob materializes the execution for a job and runs it. The persisted
// record wins over the job payload so an execution paused on one worker
// resumes with its node states intact on another.
//
// A store lease guards the run: only one worker at a time may drive an
// execution's scheduler loop, so a resume or step signal re-enqueued while
// the execution is RUNNING elsewhere is dropped here instead of
// double-dispatching nodes.
func (p *Pool) runJob(ctx context.Context, job taskqueue.Job) error {
	exec, err := p.store.GetExecution(ctx, job.ExecutionID)
	if errors.Is(err, persistence.ErrExecutionNotFound) {
		exec = executionFromJob(job)
		if saveErr := p.store.SaveExecution(ctx, exec); saveErr != nil {
			p.logger.Error("save execution failed", "error", saveErr, "execution_id", job.ExecutionID)
			return saveErr
		}
	} else if err != nil {
		p.logger.Error("load execution failed", "error", err, "execution_id", job.ExecutionID)
		return err
	}

	if exec.Status.Terminal() {
		p.logger.Debug("skipping terminal execution", "execution_id", exec.ID, "status", exec.Status)
		return nil
	}

	acquired, err := p.store.TryAcquireLease(ctx, exec.ID, p.owner, p.leaseTTL)
	if err != nil {
		p.logger.Error("acquire lease failed", "error", err, "execution_id", exec.ID)
		return err
	}
	if !acquired {
		p.logger.Debug("execution leased by another worker", "execution_id", exec.ID)
		return nil
	}

	runErr := p.engine.Run(ctx, exec)

	// Release before any re-enqueue so the next worker can take over.
	if err := p.store.ReleaseLease(context.WithoutCancel(ctx), exec.ID, p.owner); err != nil {
		p.logger.Error("release lease failed", "error", err, "execution_id", exec.ID)
	}

	if errors.Is(runErr, engine.ErrOverLimit) {
		// The tenant is at its cap: put the job back on the queue after a
		// short pause instead of holding a worker hostage.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(overLimitBackoff):
		}
		if err := p.queue.Enqueue(ctx, job); err != nil {
			p.logger.Error("requeue over-limit job failed", "error", err, "execution_id", exec.ID)
			return err
		}
		return nil
	}
	if runErr != nil {
		p.logger.Error("execution run failed", "error", runErr, "execution_id", exec.ID)
		return runErr
	}
	return nil
}

func executionFromJob(job taskqueue.Job) *api.Execution {
	return &api.Execution{
		ID:          job.ExecutionID,
		WorkflowID:  job.WorkflowID,
		UserID:      job.UserID,
		WorkspaceID: job.WorkspaceID,
		Status:      api.StatusQueued,
		Graph:       job.Graph,
		Input:       job.Input,
		CreatedAt:   job.EnqueuedAt,
		Nodes:       map[string]*api.NodeExecution{},
	}
}

// Stop halts the dispatcher, waits for in-flight executions to reach a safe
// point, and releases the pool. Executions that outlive ctx are left RUNNING
// for the next worker's RecoverStuck sweep.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.pool.Release()
		return ctx.Err()
	}
	p.pool.Release()
	return nil
}

// Running reports the number of executions currently in flight.
func (p *Pool) Running() int {
	return p.pool.Running()
}
