package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cwygoda/scout/internal/domain"
	"github.com/cwygoda/scout/internal/pipeline"
)

// Queue is the consumer side of the dispatcher.
type Queue interface {
	Lease(ctx context.Context, worker string, lease time.Duration, limit int) ([]domain.Delivery, error)
	Extend(ctx context.Context, d domain.Delivery, lease time.Duration) error
	Ack(ctx context.Context, d domain.Delivery) error
	Nack(ctx context.Context, d domain.Delivery, delay time.Duration, reason string) error
}

// Runner drives one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID int64) (pipeline.Outcome, error)
	Abandon(ctx context.Context, jobID int64, cause error) (pipeline.Outcome, error)
}

// UsageResetter zeroes usage counters of past periods.
type UsageResetter interface {
	ResetMonthlyUsage(ctx context.Context) (int64, error)
}

// Config tunes the pool.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// Lease is how long a delivery is held without a heartbeat.
	Lease time.Duration
	// MaxDeliveries bounds redelivery of a job whose runs keep being
	// interrupted. The job is failed once it is exceeded.
	MaxDeliveries int
	// UsageResetEvery schedules the monthly usage reset; zero disables it.
	UsageResetEvery time.Duration
	Backoff         pipeline.Backoff
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = pipeline.Backoff{Initial: 5 * time.Second, Max: 5 * time.Minute}
	}
	return c
}

// Worker leases jobs from the queue and runs them through the pipeline.
type Worker struct {
	queue  Queue
	runner Runner
	usage  UsageResetter
	cfg    Config
	id     string
	log    *zap.Logger
}

// New creates a new worker. usage may be nil.
func New(queue Queue, runner Runner, usage UsageResetter, cfg Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	id := "worker-" + uuid.NewString()[:8]
	return &Worker{
		queue:  queue,
		runner: runner,
		usage:  usage,
		cfg:    cfg.withDefaults(),
		id:     id,
		log:    log.With(zap.String("worker_id", id)),
	}
}

// ID identifies the worker in lease records.
func (w *Worker) ID() string {
	return w.id
}

// Run starts the pool and blocks until ctx is cancelled and every
// in-flight delivery has been settled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Duration("lease", w.cfg.Lease))

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	if w.usage != nil && w.cfg.UsageResetEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.resetLoop(ctx)
		}()
	}
	wg.Wait()
	w.log.Info("worker shutting down")
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain whatever is ready before waiting for the next tick.
		for ctx.Err() == nil && w.poll(ctx) {
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll leases and processes a single delivery. It reports whether one
// was available.
func (w *Worker) poll(ctx context.Context) bool {
	deliveries, err := w.queue.Lease(ctx, w.id, w.cfg.Lease, 1)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("lease failed", zap.Error(err))
		}
		return false
	}
	if len(deliveries) == 0 {
		return false
	}
	for _, d := range deliveries {
		w.process(ctx, d)
	}
	return true
}

func (w *Worker) process(ctx context.Context, d domain.Delivery) {
	log := w.log.With(zap.Int64("job_id", d.JobID), zap.Int("attempt", d.Attempt))

	if d.Attempt > w.cfg.MaxDeliveries {
		cause := fmt.Errorf("gave up after %d deliveries", d.Attempt-1)
		if _, err := w.runner.Abandon(ctx, d.JobID, cause); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			log.Error("abandon failed", zap.Error(err))
			w.nack(d, w.cfg.Backoff.Delay(d.Attempt), err, log)
			return
		}
		log.Warn("job abandoned", zap.Error(cause))
		w.ack(d, log)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := w.heartbeat(runCtx, cancel, d, log)

	out, err := w.runner.Run(runCtx, d.JobID)
	stop()

	switch {
	case err == nil:
		log.Info("job settled", zap.String("status", string(out.Status)))
		w.ack(d, log)
	case errors.Is(err, domain.ErrJobNotFound):
		log.Warn("job vanished, dropping delivery")
		w.ack(d, log)
	case ctx.Err() != nil:
		// Shutting down: hand the job straight back.
		w.nack(d, 0, err, log)
	case runCtx.Err() != nil:
		log.Warn("lease lost during run", zap.Error(err))
	default:
		delay := w.cfg.Backoff.Delay(d.Attempt)
		log.Warn("run incomplete, will redeliver", zap.Duration("delay", delay), zap.Error(err))
		w.nack(d, delay, err, log)
	}
}

// heartbeat extends the lease until stopped. Losing the lease cancels the
// run so two workers never advance the same job for long.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, d domain.Delivery, log *zap.Logger) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(w.cfg.Lease/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.queue.Extend(ctx, d, w.cfg.Lease)
				if errors.Is(err, domain.ErrLeaseLost) {
					log.Warn("lease lost")
					cancel()
					return
				}
				if err != nil && ctx.Err() == nil {
					log.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// settle uses a fresh context so acks survive shutdown.
func settle() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (w *Worker) ack(d domain.Delivery, log *zap.Logger) {
	ctx, cancel := settle()
	defer cancel()
	if err := w.queue.Ack(ctx, d); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
}

func (w *Worker) nack(d domain.Delivery, delay time.Duration, cause error, log *zap.Logger) {
	ctx, cancel := settle()
	defer cancel()
	if err := w.queue.Nack(ctx, d, delay, cause.Error()); err != nil {
		log.Warn("nack failed", zap.Error(err))
	}
}

func (w *Worker) resetLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.UsageResetEvery)
	defer ticker.Stop()
	for {
		if _, err := w.usage.ResetMonthlyUsage(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("usage reset failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
