package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eve.evalgo.org/eventbus"
	"eve.evalgo.org/fingerprint"
)

// AddOptions configures a job submission.
type AddOptions struct {
	JobRunID   string
	MaxRetries int
	RunAfter   time.Time
}

// Client is the submission-side handle onto a queue: adding jobs, reading
// their state, and waiting on completion. It shares Storage
// and the event bus with the Server dispatching the same queue so waiters
// observe completions as soon as the Server emits them, without polling.
type Client struct {
	queueName string
	storage   Storage
	bus       *eventbus.Bus
}

// NewClient returns a Client for queueName backed by storage, observing
// events on bus (typically the same bus the queue's Server publishes to).
func NewClient(queueName string, storage Storage, bus *eventbus.Bus) *Client {
	return &Client{queueName: queueName, storage: storage, bus: bus}
}

// Add enqueues a new PENDING job and returns its id.
func (c *Client) Add(ctx context.Context, input map[string]interface{}, opts AddOptions) (string, error) {
	fp, err := fingerprint.Stable(input)
	if err != nil {
		return "", fmt.Errorf("fingerprint job input: %w", err)
	}
	taggedInput := make(map[string]interface{}, len(input)+1)
	for k, v := range input {
		taggedInput[k] = v
	}
	taggedInput["__fingerprint"] = fp

	runAfter := opts.RunAfter
	if runAfter.IsZero() {
		runAfter = time.Now()
	}

	job := Job{
		ID:         uuid.NewString(),
		Queue:      c.queueName,
		JobRunID:   opts.JobRunID,
		Input:      taggedInput,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
		RunAfter:   runAfter,
		MaxRetries: opts.MaxRetries,
	}
	if err := c.storage.Insert(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue job on %q: %w", c.queueName, err)
	}
	return job.ID, nil
}

// Get returns the job with the given id, if it belongs to this queue.
func (c *Client) Get(ctx context.Context, id string) (Job, bool, error) {
	job, found, err := c.storage.Get(ctx, id)
	if err != nil || !found || job.Queue != c.queueName {
		if err == nil && found && job.Queue != c.queueName {
			return Job{}, false, nil
		}
		return Job{}, found, err
	}
	return job, true, nil
}

// Peek lists jobs on this queue, optionally filtered by status, newest
// first, capped at limit (0 means unlimited).
func (c *Client) Peek(ctx context.Context, status Status, limit int) ([]Job, error) {
	rows, err := c.storage.ByQueue(ctx, c.queueName)
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for _, row := range rows {
		j := JobFromRow(row)
		if status != "" && j.Status != status {
			continue
		}
		jobs = append(jobs, j)
	}
	sortJobsByCreatedAtDesc(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Size counts jobs on this queue, optionally filtered by status.
func (c *Client) Size(ctx context.Context, status Status) (int, error) {
	rows, err := c.storage.ByQueue(ctx, c.queueName)
	if err != nil {
		return 0, err
	}
	if status == "" {
		return len(rows), nil
	}
	n := 0
	for _, row := range rows {
		if JobFromRow(row).Status == status {
			n++
		}
	}
	return n, nil
}

// WaitFor blocks until job id reaches a terminal status, returning its
// output on COMPLETED or an error describing the failure otherwise.
// It subscribes to job_complete/job_error/job_aborting/job_skipped rather
// than polling storage.
func (c *Client) WaitFor(ctx context.Context, id string) (map[string]interface{}, error) {
	job, found, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("job %s not found on queue %q", id, c.queueName)
	}
	if job.Status.IsTerminal() {
		return c.outputOrError(job)
	}

	result := make(chan Job, 1)
	unsub := make([]eventbus.Unsubscribe, 0, 4)
	deliver := func(args ...interface{}) {
		if len(args) < 2 {
			return
		}
		jobID, _ := args[1].(string)
		if jobID != id {
			return
		}
		latest, found, err := c.Get(context.Background(), id)
		if err != nil || !found || !latest.Status.IsTerminal() {
			return
		}
		select {
		case result <- latest:
		default:
		}
	}
	for _, event := range []string{"job_complete", "job_error", "job_aborting", "job_skipped"} {
		unsub = append(unsub, c.bus.On(event, deliver))
	}
	defer func() {
		for _, u := range unsub {
			u()
		}
	}()

	// The job may have finished between the first Get and subscribing.
	if latest, found, err := c.Get(ctx, id); err == nil && found && latest.Status.IsTerminal() {
		return c.outputOrError(latest)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case j := <-result:
		return c.outputOrError(j)
	}
}

func (c *Client) outputOrError(job Job) (map[string]interface{}, error) {
	switch job.Status {
	case StatusCompleted:
		return job.Output, nil
	case StatusSkipped:
		return nil, fmt.Errorf("job %s was skipped", job.ID)
	default:
		if job.ErrorCode != "" {
			return nil, fmt.Errorf("job %s failed (%s): %s", job.ID, job.ErrorCode, job.Error)
		}
		return nil, fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	}
}

// Abort requests cancellation of a running job: it moves the job from
// PROCESSING to ABORTING and emits job_aborting. The Server does not act on
// that event: the executor's context is cancelled only if the host calls
// Server.AbortJob, and the job's final status follows from what the
// executor returns (FAILED with errorCode "ABORTED" for a taskerr.Abort
// error).
func (c *Client) Abort(ctx context.Context, id string) error {
	ok, err := c.storage.CompareAndSetStatus(ctx, id, StatusProcessing, StatusAborting, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not PROCESSING, cannot abort", id)
	}
	c.bus.Emit("job_aborting", c.queueName, id, nil)
	return nil
}

// AbortJobRun aborts every job sharing jobRunId on this queue.
func (c *Client) AbortJobRun(ctx context.Context, jobRunID string) error {
	jobs, err := c.storage.ByJobRunID(ctx, jobRunID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, j := range jobs {
		if j.Queue != c.queueName || j.Status != StatusProcessing {
			continue
		}
		if err := c.Abort(ctx, j.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Skip marks a PENDING job SKIPPED without running it.
func (c *Client) Skip(ctx context.Context, id string) error {
	if err := c.storage.Skip(ctx, id); err != nil {
		return err
	}
	c.bus.Emit("job_skipped", c.queueName, id)
	return nil
}

// Clear deletes every job on this queue regardless of status. Storage
// exposes no per-queue bulk delete, so this assumes one queue per
// repository, the common deployment shape.
func (c *Client) Clear(ctx context.Context) error {
	return c.storage.DeleteAll(ctx)
}

// OutputForInput returns the most recent COMPLETED job's output whose input
// fingerprint matches input, for cache-style reuse without re-running an
// identical job.
func (c *Client) OutputForInput(ctx context.Context, input map[string]interface{}) (map[string]interface{}, bool, error) {
	fp, err := fingerprint.Stable(input)
	if err != nil {
		return nil, false, err
	}
	return c.storage.OutputForInput(ctx, c.queueName, fp)
}

// UpdateProgress reports progress for a PROCESSING job from outside its
// Executor (e.g. a remote worker transport relaying progress messages).
func (c *Client) UpdateProgress(ctx context.Context, id string, percent int, message string, details map[string]interface{}) error {
	if err := c.storage.UpdateProgress(ctx, id, percent, message, details); err != nil {
		return err
	}
	c.bus.Emit("job_progress", c.queueName, id, percent, message, details)
	return nil
}

// OnJobProgress subscribes to job_progress events for a single job id,
// returning an Unsubscribe.
func (c *Client) OnJobProgress(id string, fn func(percent int, message string, details map[string]interface{})) eventbus.Unsubscribe {
	return c.bus.On("job_progress", func(args ...interface{}) {
		if len(args) < 5 {
			return
		}
		jobID, _ := args[1].(string)
		if jobID != id {
			return
		}
		percent, _ := args[2].(int)
		message, _ := args[3].(string)
		details, _ := args[4].(map[string]interface{})
		fn(percent, message, details)
	})
}

func sortJobsByCreatedAtDesc(jobs []Job) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && jobs[k].CreatedAt.After(jobs[k-1].CreatedAt); k-- {
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}
