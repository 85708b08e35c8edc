package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/training-gateway/internal/cache"
	"github.com/example/training-gateway/internal/models"
	"github.com/example/training-gateway/internal/proxy"
	"github.com/example/training-gateway/internal/queue"
)

// Executor replays a queued message against its upstream. The proxy
// forwarder satisfies it so drain execution matches the synchronous path.
type Executor interface {
	ExecuteMessage(ctx context.Context, msg *models.QueuedMessage) (*proxy.UpstreamResponse, error)
}

// HealthChecker is the view of the health registry the worker needs.
type HealthChecker interface {
	IsAvailable(ctx context.Context, service string) bool
}

// ErrCycleInProgress is returned when a drain cycle is requested while
// another one is still running.
var ErrCycleInProgress = errors.New("worker: drain cycle already in progress")

// ErrNotFound is returned by RetryOne when the id matches no message.
var ErrNotFound = errors.New("worker: message not found")

// Config contains the runtime settings for the drain worker.
type Config struct {
	BatchSize           int
	DeadLetterBatchSize int
	Interval            time.Duration
}

// CycleReport summarises one drain cycle.
type CycleReport struct {
	Queue        queue.Name `json:"queue"`
	Iterations   int        `json:"iterations"`
	Processed    int        `json:"processed"`
	Failed       int        `json:"failed"`
	Retried      int        `json:"retried"`
	DeadLettered int        `json:"dead_lettered"`
	Rotated      int        `json:"rotated"`
}

// maxBackoff caps the exponential retry delay.
const maxBackoff = 60 * time.Second

// forensicsTTL bounds how long a dead-lettered message stays in the
// operator cache.
const forensicsTTL = 24 * time.Hour

// Dependencies collects the runtime collaborators required by the worker.
type Dependencies struct {
	Store     queue.Store
	Executor  Executor
	Health    HealthChecker
	Metrics   *Metrics
	Forensics *cache.TTLCache
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Worker drains the queues in bounded cycles, applying retry with
// exponential backoff and dead-letter quarantine. Cycles are mutually
// exclusive: an admin-triggered cycle and the interval loop never overlap.
type Worker struct {
	cfg       Config
	store     queue.Store
	executor  Executor
	health    HealthChecker
	metrics   *Metrics
	forensics *cache.TTLCache
	logger    zerolog.Logger
	now       func() time.Time

	cycleSem *semaphore.Weighted

	randMu sync.Mutex
	rnd    *rand.Rand
}

// New constructs a drain worker. The configuration and dependencies are
// validated to prevent misconfiguration at startup.
func New(cfg Config, deps Dependencies) (*Worker, error) {
	if cfg.BatchSize < 1 {
		return nil, errors.New("worker: batch size must be >= 1")
	}
	if cfg.DeadLetterBatchSize < 1 {
		return nil, errors.New("worker: dead-letter batch size must be >= 1")
	}
	if deps.Store == nil {
		return nil, errors.New("worker: queue store dependency is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("worker: executor dependency is required")
	}
	if deps.Health == nil {
		return nil, errors.New("worker: health checker dependency is required")
	}
	if deps.Metrics == nil {
		return nil, errors.New("worker: metrics dependency is required")
	}
	if deps.Forensics == nil {
		return nil, errors.New("worker: forensics cache dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Worker{
		cfg:       cfg,
		store:     deps.Store,
		executor:  deps.Executor,
		health:    deps.Health,
		metrics:   deps.Metrics,
		forensics: deps.Forensics,
		logger:    logger.With().Str("component", "queue_worker").Logger(),
		now:       nowFunc,
		cycleSem:  semaphore.NewWeighted(1),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run drives continuous drain cycles at the configured interval until the
// context is cancelled. Cancellation is observed between cycles and during
// the inter-cycle sleep. A zero interval disables the loop; cycles are then
// triggered from the admin surface only.
func (w *Worker) Run(ctx context.Context) {
	if w.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.cfg.Interval).Msg("drain loop started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("drain loop stopped")
			return
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
				w.logger.Error().Err(err).Msg("drain cycle aborted")
			}
		}
	}
}

// ProcessOnce runs one cycle over the main queue followed by one over the
// dead-letter queue and returns both reports.
func (w *Worker) ProcessOnce(ctx context.Context) ([]CycleReport, error) {
	if !w.cycleSem.TryAcquire(1) {
		return nil, ErrCycleInProgress
	}
	defer w.cycleSem.Release(1)

	reports := make([]CycleReport, 0, 2)
	for _, q := range []queue.Name{queue.Main, queue.DeadLetter} {
		report, err := w.runCycle(ctx, q)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// RunCycle drains a single queue once, guarded by the cycle semaphore.
func (w *Worker) RunCycle(ctx context.Context, q queue.Name) (CycleReport, error) {
	if !w.cycleSem.TryAcquire(1) {
		return CycleReport{Queue: q}, ErrCycleInProgress
	}
	defer w.cycleSem.Release(1)
	return w.runCycle(ctx, q)
}

func (w *Worker) runCycle(ctx context.Context, q queue.Name) (report CycleReport, err error) {
	report.Queue = q

	// A panic inside one cycle must not take down the gateway; the loop
	// resumes on the next trigger.
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Str("queue", string(q)).Msg("drain cycle panicked")
			err = fmt.Errorf("worker: cycle panic: %v", r)
		}
	}()

	batch := w.cfg.BatchSize
	if q == queue.DeadLetter {
		batch = w.cfg.DeadLetterBatchSize
	}

	for i := 0; i < batch; i++ {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		msg, popErr := w.store.Pop(ctx, q)
		if errors.Is(popErr, queue.ErrEmpty) {
			break
		}
		if popErr != nil {
			// Serialization failures drop one element; backend errors abort
			// the cycle.
			if w.isDecodeError(popErr) {
				report.Iterations++
				continue
			}
			return report, popErr
		}
		report.Iterations++

		outcome := w.processMessage(ctx, q, msg)
		switch outcome {
		case outcomeProcessed:
			report.Processed++
		case outcomeFailedRetried:
			report.Failed++
			report.Retried++
		case outcomeRetried:
			report.Retried++
		case outcomeFailedDeadLettered:
			report.Failed++
			report.DeadLettered++
		case outcomeDeadLettered:
			report.DeadLettered++
		case outcomeRotated:
			report.Rotated++
		}
	}

	w.logger.Debug().
		Str("queue", string(q)).
		Int("iterations", report.Iterations).
		Int("processed", report.Processed).
		Int("dead_lettered", report.DeadLettered).
		Msg("drain cycle finished")

	return report, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeFailedRetried
	outcomeRetried
	outcomeFailedDeadLettered
	outcomeDeadLettered
	outcomeRotated
	outcomeQuarantined
)

// processMessage runs one drain iteration for a popped message.
func (w *Worker) processMessage(ctx context.Context, q queue.Name, msg *models.QueuedMessage) outcome {
	log := w.logger.With().
		Str("queue", string(q)).
		Str("message_id", msg.ID).
		Str("service", msg.Service).
		Int("retry_count", msg.RetryCount).
		Logger()

	now := w.now()
	if !msg.Ready(now) {
		// Not due yet; rotate to the back of the pop order without
		// consuming a retry.
		if err := w.store.Push(ctx, q, msg); err != nil {
			log.Error().Err(err).Msg("failed to rotate deferred message")
		}
		return outcomeRotated
	}

	if !w.health.IsAvailable(ctx, msg.Service) {
		if q == queue.DeadLetter {
			// Quarantined messages wait for the service to come back.
			if err := w.store.Push(ctx, q, msg); err != nil {
				log.Error().Err(err).Msg("failed to re-quarantine message")
			}
			return outcomeQuarantined
		}
		log.Info().Msg("target service still down")
		if w.retryOrDeadLetter(ctx, msg, log) {
			return outcomeRetried
		}
		return outcomeDeadLettered
	}

	resp, err := w.executor.ExecuteMessage(ctx, msg)
	if err == nil && resp.Succeeded() {
		w.metrics.IncProcessed()
		log.Info().Int("status", resp.StatusCode).Msg("queued request delivered")
		return outcomeProcessed
	}

	w.metrics.IncFailed()
	if err != nil {
		log.Warn().Err(err).Msg("queued request failed")
	} else {
		log.Warn().Int("status", resp.StatusCode).Msg("upstream rejected queued request")
	}

	if q == queue.DeadLetter {
		if pushErr := w.store.Push(ctx, q, msg); pushErr != nil {
			log.Error().Err(pushErr).Msg("failed to re-quarantine message")
		}
		return outcomeQuarantined
	}

	if w.retryOrDeadLetter(ctx, msg, log) {
		return outcomeFailedRetried
	}
	return outcomeFailedDeadLettered
}

// retryOrDeadLetter applies the retry budget: messages that already spent
// max_retries are quarantined, everything else is requeued with backoff.
// It reports true when the message was requeued.
func (w *Worker) retryOrDeadLetter(ctx context.Context, msg *models.QueuedMessage, log zerolog.Logger) bool {
	if msg.RetryCount >= msg.MaxRetries {
		w.deadLetter(ctx, msg, log)
		return false
	}

	msg.RetryCount++
	delay := w.backoff(msg.RetryCount - 1)
	notBefore := w.now().Add(delay)
	msg.NotBefore = &notBefore

	if err := w.store.Push(ctx, queue.Main, msg); err != nil {
		log.Error().Err(err).Msg("failed to requeue message, dead-lettering instead")
		w.deadLetter(ctx, msg, log)
		return false
	}

	w.metrics.IncRetried()
	log.Info().
		Dur("backoff", delay).
		Int("retry_count", msg.RetryCount).
		Msg("message requeued with backoff")
	return true
}

// deadLetter quarantines the message and records a forensics cache entry.
func (w *Worker) deadLetter(ctx context.Context, msg *models.QueuedMessage, log zerolog.Logger) {
	now := w.now()
	msg.DeadLetterTimestamp = &now
	msg.NotBefore = nil

	if err := w.store.Push(ctx, queue.DeadLetter, msg); err != nil {
		log.Error().Err(err).Msg("failed to push message to dead-letter queue")
	}
	w.forensics.Set("failed_request_"+msg.ID, msg, forensicsTTL)
	w.metrics.IncDeadLettered()
	log.Warn().Int("retry_count", msg.RetryCount).Msg("message dead-lettered")
}

// RetryOne removes the identified message from the given queue, clears its
// retry state and executes it once through the regular pipeline. It
// reports whether the execution delivered the message.
func (w *Worker) RetryOne(ctx context.Context, id string, q queue.Name) (bool, error) {
	msg, err := w.store.Remove(ctx, q, id)
	if errors.Is(err, queue.ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	msg.RetryCount = 0
	msg.DeadLetterTimestamp = nil
	msg.NotBefore = nil

	out := w.processMessage(ctx, queue.Main, msg)
	return out == outcomeProcessed, nil
}

// backoff computes min(2^retryCount, 60)s plus up to one second of jitter.
func (w *Worker) backoff(retryCount int) time.Duration {
	delay := time.Second << uint(retryCount)
	if retryCount > 6 || delay > maxBackoff {
		delay = maxBackoff
	}
	return delay + w.jitter()
}

func (w *Worker) jitter() time.Duration {
	w.randMu.Lock()
	defer w.randMu.Unlock()
	return time.Duration(w.rnd.Int63n(int64(time.Second)))
}

// isDecodeError distinguishes a corrupt element (drop it, keep draining)
// from a backend failure (abort the cycle).
func (w *Worker) isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
