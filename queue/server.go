package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"eve.evalgo.org/eventbus"
	"eve.evalgo.org/taskerr"
)

// ProgressFunc reports incremental progress from inside an Executor.
type ProgressFunc func(percent int, message string, details map[string]interface{})

// Executor runs one job's input and returns its output, or one of the
// taskerr job-error kinds to control retry behavior.
type Executor func(ctx context.Context, input map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error)

// BackoffFunc computes the delay before retrying a job on its attempts'th
// retryable failure. The default is exponential-with-jitter:
// min(30s, 2^attempts*100ms) * U(0.5, 1.5).
type BackoffFunc func(attempts int) time.Duration

// DefaultBackoff implements the default exponential-with-jitter backoff policy.
func DefaultBackoff(attempts int) time.Duration {
	base := math.Min(30000, math.Pow(2, float64(attempts))*100)
	jitter := 0.5 + rand.Float64()
	return time.Duration(base*jitter) * time.Millisecond
}

// ServerConfig configures a Server.
type ServerConfig struct {
	QueueName    string
	Storage      Storage
	Limiter      RateLimiter
	Executor     Executor
	WaitDuration time.Duration
	RetryFloor   int
	Backoff      BackoffFunc
	Logger       *logrus.Logger
	// Concurrency bounds how many jobs this queue runs at once, the same
	// per-queue worker count shape a prior worker.Pool's Config.Queues used.
	// Defaults to 4.
	Concurrency int
	// Bus, if set, is shared with a Client constructed separately so its
	// WaitFor/OnJobProgress calls observe this Server's emissions. If nil,
	// NewServer creates a private bus, reachable via Events().
	Bus *eventbus.Bus
}

// Server is the job-queue scheduling loop, built on the same processing
// loop shape as a prior worker.Worker, generalized from a single
// Redis-backed Queue onto the tabular.Repository-backed Storage facade so
// any backend can host the queue.
type Server struct {
	queueName string
	storage   Storage
	limiter   RateLimiter
	executor  Executor
	wait      time.Duration
	retryFloor int
	backoff   BackoffFunc
	logger    *logrus.Logger
	bus       *eventbus.Bus
	sem       chan struct{}

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	aborts   map[string]context.CancelFunc
}

// NewServer constructs a Server from cfg, defaulting WaitDuration, Backoff,
// RetryFloor, and Logger when unset.
func NewServer(cfg ServerConfig) *Server {
	if cfg.WaitDuration <= 0 {
		cfg.WaitDuration = 200 * time.Millisecond
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.RetryFloor <= 0 {
		cfg.RetryFloor = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	bus := cfg.Bus
	if bus == nil {
		bus = eventbus.New(cfg.Logger)
	}
	return &Server{
		queueName:  cfg.QueueName,
		storage:    cfg.Storage,
		limiter:    cfg.Limiter,
		executor:   cfg.Executor,
		wait:       cfg.WaitDuration,
		retryFloor: cfg.RetryFloor,
		backoff:    cfg.Backoff,
		logger:     cfg.Logger,
		bus:        bus,
		sem:        make(chan struct{}, cfg.Concurrency),
		aborts:     make(map[string]context.CancelFunc),
	}
}

// Events returns the server's event bus. The server emits job_start,
// job_progress, job_complete, job_error and job_aborting; a Client sharing
// the bus also emits job_skipped. No job_disabled event is emitted.
func (s *Server) Events() *eventbus.Bus { return s.bus }

// Start launches the scheduling loop in a background goroutine. It first
// runs fixupJobs to recover any PROCESSING/ABORTING jobs left over from a
// previous process.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server for queue %q already running", s.queueName)
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.fixupJobs(ctx); err != nil {
		return fmt.Errorf("fixup jobs for queue %q: %w", s.queueName, err)
	}

	go s.loop(ctx)
	return nil
}

// Stop signals the scheduling loop to exit and waits for it to do so.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

func (s *Server) loop(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		dispatched, err := s.tick(ctx)
		if err != nil {
			s.logger.WithError(err).WithField("queue", s.queueName).Error("queue tick failed")
		}
		if !dispatched {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(s.wait):
			}
		}
	}
}

// tick performs one scheduling pass: find eligible jobs and dispatch as
// many as the limiter allows, returning whether anything was dispatched.
func (s *Server) tick(ctx context.Context) (bool, error) {
	eligible, err := s.eligibleJobs(ctx)
	if err != nil {
		return false, err
	}

	dispatchedAny := false
	for _, job := range eligible {
		select {
		case s.sem <- struct{}{}:
		default:
			// at capacity for this queue's worker count; try again next tick
			return dispatchedAny, nil
		}

		canProceed, err := s.limiter.CanProceed(ctx, s.queueName)
		if err != nil {
			<-s.sem
			return dispatchedAny, err
		}
		if !canProceed {
			<-s.sem
			break
		}

		claimed, err := s.claim(ctx, job)
		if err != nil {
			<-s.sem
			s.logger.WithError(err).WithField("job_id", job.ID).Error("failed to claim job")
			continue
		}
		if !claimed {
			<-s.sem
			continue // another process claimed it first
		}
		job.RunAttempts++ // mirror the increment claim stored, for finish's retry check

		if err := s.limiter.RecordExecution(ctx, s.queueName); err != nil {
			s.logger.WithError(err).Warn("failed to record rate limiter execution")
		}

		dispatchedAny = true
		go s.run(ctx, job)
	}
	return dispatchedAny, nil
}

func (s *Server) eligibleJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.storage.ByQueue(ctx, s.queueName)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var eligible []Job
	for _, row := range rows {
		j := JobFromRow(row)
		if j.Status == StatusPending && !j.RunAfter.After(now) {
			eligible = append(eligible, j)
		}
	}
	sort.SliceStable(eligible, func(i, k int) bool {
		return eligible[i].CreatedAt.Before(eligible[k].CreatedAt)
	})
	return eligible, nil
}

// claim atomically transitions job from PENDING to PROCESSING, guarding
// against a second process winning the same job.
func (s *Server) claim(ctx context.Context, job Job) (bool, error) {
	now := time.Now()
	ok, err := s.storage.CompareAndSetStatus(ctx, job.ID, StatusPending, StatusProcessing, func(j *Job) {
		j.LastRanAt = &now
		j.RunAttempts++
	})
	return ok, err
}

func (s *Server) run(ctx context.Context, job Job) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.aborts[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.aborts, job.ID)
		s.mu.Unlock()
		cancel()
		<-s.sem
	}()

	s.bus.Emit("job_start", s.queueName, job.ID)

	progress := func(percent int, message string, details map[string]interface{}) {
		if err := s.storage.UpdateProgress(ctx, job.ID, clampProgress(percent), message, details); err != nil {
			s.logger.WithError(err).Warn("failed to persist job progress")
			return
		}
		s.bus.Emit("job_progress", s.queueName, job.ID, percent, message, details)
	}

	output, err := s.executor(runCtx, job.Input, progress)
	s.finish(ctx, job, output, err)
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func (s *Server) finish(ctx context.Context, job Job, output map[string]interface{}, runErr error) {
	now := time.Now()

	switch {
	case runErr == nil:
		_ = s.storage.Complete(ctx, job.ID, output, now)
		s.bus.Emit("job_complete", s.queueName, job.ID, output)

	case taskerr.IsAbort(runErr):
		_ = s.storage.Fail(ctx, job.ID, runErr.Error(), "ABORTED")
		s.bus.Emit("job_aborting", s.queueName, job.ID, runErr)

	case taskerr.IsPermanent(runErr):
		_ = s.storage.Fail(ctx, job.ID, runErr.Error(), "PERMANENT")
		s.bus.Emit("job_error", s.queueName, job.ID, runErr)

	default:
		// RetryableJobError and any other error are treated as retryable
		// within maxRetries. RunAttempts is already incremented by claim
		// before the job runs, so runAttempts<=maxRetries permits the
		// (maxRetries+1)th attempt; maxRetries==0 means at most one attempt.
		if job.RunAttempts <= job.MaxRetries {
			delay := s.backoff(job.RunAttempts)
			_ = s.storage.RetryLater(ctx, job.ID, runErr.Error(), now.Add(delay))
		} else {
			_ = s.storage.Fail(ctx, job.ID, runErr.Error(), "RETRIES_EXHAUSTED")
		}
		s.bus.Emit("job_error", s.queueName, job.ID, runErr)
	}
}

// fixupJobs recovers jobs left PROCESSING or ABORTING by a crashed process:
// they go back to PENDING with a bumped runAttempts floor so a tight
// restart loop can't retry forever.
func (s *Server) fixupJobs(ctx context.Context) error {
	rows, err := s.storage.ByQueue(ctx, s.queueName)
	if err != nil {
		return err
	}
	for _, row := range rows {
		j := JobFromRow(row)
		if j.Status != StatusProcessing && j.Status != StatusAborting {
			continue
		}
		attempts := j.RunAttempts
		if attempts < s.retryFloor {
			attempts = s.retryFloor
		}
		if err := s.storage.Requeue(ctx, j.ID, "Restarting server", attempts); err != nil {
			return fmt.Errorf("requeue job %s during fixup: %w", j.ID, err)
		}
	}
	return nil
}

// AbortJob fires the abort signal for a locally-dispatched job, if running
// on this server instance.
func (s *Server) AbortJob(jobID string) bool {
	s.mu.Lock()
	cancel, ok := s.aborts[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
