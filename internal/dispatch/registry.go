package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts       = 3
	DefaultBackoffBase       = time.Second
	DefaultQueueCap          = 16
	DefaultMaxConcurrency    = 8
	DefaultReconcileInterval = 10 * time.Second
)

// Job is one flushed turn queued for an identity's worker. EnqueuedAt marks
// the flush instant; handlers can use it as a ceiling when reading history so
// the turn is never part of its own context.
type Job struct {
	ID          string
	Identity    string
	Text        string
	Attachments []string
	EnqueuedAt  time.Time
}

// Handler processes one job. A returned error triggers the retry policy.
type Handler func(ctx context.Context, job Job) error

// JobLog is the durable audit trail for jobs. Log failures never block
// processing; they are operator-visible only.
type JobLog interface {
	Record(ctx context.Context, job Job) error
	MarkProcessing(ctx context.Context, jobID string, attempt int) error
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, cause error) error
}

// Registry owns one ordered worker per identity. Workers are provisioned
// lazily on the push path (Enqueue) and by the periodic reconciliation scan;
// they live until the registry context is canceled.
type Registry struct {
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler
	log     JobLog
	logger  *slog.Logger

	sem         chan struct{}
	queueCap    int
	maxAttempts int
	backoffBase time.Duration

	mu      sync.Mutex
	workers map[string]chan Job
}

type RegistryOptions struct {
	Handler        Handler
	Log            JobLog
	Logger         *slog.Logger
	QueueCap       int
	MaxConcurrency int
	MaxAttempts    int
	BackoffBase    time.Duration
}

func NewRegistry(ctx context.Context, opts RegistryOptions) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueCap := opts.QueueCap
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	maxConc := opts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = DefaultMaxConcurrency
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	return &Registry{
		ctx:         ctx,
		cancel:      cancel,
		handler:     opts.Handler,
		log:         opts.Log,
		logger:      logger,
		sem:         make(chan struct{}, maxConc),
		queueCap:    queueCap,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		workers:     make(map[string]chan Job),
	}
}

// Ensure provisions the identity's worker if it does not exist yet. Returns
// true when a new worker was started.
func (r *Registry) Ensure(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(identity)
}

func (r *Registry) ensureLocked(identity string) bool {
	if _, ok := r.workers[identity]; ok {
		return false
	}
	jobs := make(chan Job, r.queueCap)
	r.workers[identity] = jobs
	go r.runWorker(jobs)
	r.logger.Debug("dispatch_worker_started", "identity", identity)
	return true
}

// runWorker drains one identity's queue in order. The shared semaphore bounds
// how many identities process at once; within one queue there is never more
// than one in-flight job.
func (r *Registry) runWorker(jobs <-chan Job) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			select {
			case r.sem <- struct{}{}:
			case <-r.ctx.Done():
				return
			}
			r.process(r.ctx, job)
			<-r.sem
		}
	}
}

// Enqueue records the job in the durable log and hands it to the identity's
// worker, provisioning the worker on first contact.
func (r *Registry) Enqueue(ctx context.Context, job Job) error {
	r.mu.Lock()
	r.ensureLocked(job.Identity)
	jobs := r.workers[job.Identity]
	r.mu.Unlock()

	if r.log != nil {
		if err := r.log.Record(ctx, job); err != nil {
			r.logger.Warn("job_record_error", "job_id", job.ID, "identity", job.Identity, "error", err.Error())
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.ctx.Err()
	case jobs <- job:
	}
	r.logger.Info("job_enqueued", "job_id", job.ID, "identity", job.Identity, "text_len", len(job.Text), "attachments", len(job.Attachments))
	return nil
}

// Reconcile ensures a worker exists for every known identity. It is the pull
// safety net behind the push path and is a no-op once push has caught up.
func (r *Registry) Reconcile(ctx context.Context, list func(context.Context) ([]string, error)) int {
	identities, err := list(ctx)
	if err != nil {
		r.logger.Warn("dispatch_reconcile_error", "error", err.Error())
		return 0
	}
	started := 0
	r.mu.Lock()
	for _, identity := range identities {
		if r.ensureLocked(identity) {
			started++
		}
	}
	r.mu.Unlock()
	if started > 0 {
		r.logger.Info("dispatch_reconciled", "workers_started", started)
	}
	return started
}

// StartReconciler runs Reconcile on a fixed cadence until shutdown.
func (r *Registry) StartReconciler(interval time.Duration, list func(context.Context) ([]string, error)) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.Reconcile(r.ctx, list)
			}
		}
	}()
}

// Shutdown reaps every worker.
func (r *Registry) Shutdown() {
	r.cancel()
}

func (r *Registry) process(ctx context.Context, job Job) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if r.log != nil {
			if err := r.log.MarkProcessing(ctx, job.ID, attempt); err != nil {
				r.logger.Warn("job_mark_processing_error", "job_id", job.ID, "error", err.Error())
			}
		}
		err := r.handler(ctx, job)
		if err == nil {
			if r.log != nil {
				if markErr := r.log.MarkCompleted(ctx, job.ID); markErr != nil {
					r.logger.Warn("job_mark_completed_error", "job_id", job.ID, "error", markErr.Error())
				}
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("job_attempt_failed",
			"job_id", job.ID,
			"identity", job.Identity,
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"error", err.Error(),
		)
		if attempt == r.maxAttempts {
			// Exhausted: failure stays operator-visible only, the channel has
			// no quiet way to surface infrastructure errors to the user.
			if r.log != nil {
				if markErr := r.log.MarkFailed(ctx, job.ID, err); markErr != nil {
					r.logger.Warn("job_mark_failed_error", "job_id", job.ID, "error", markErr.Error())
				}
			}
			r.logger.Error("job_failed", "job_id", job.ID, "identity", job.Identity, "error", err.Error())
			return
		}
		backoff := r.backoffBase << (attempt - 1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
