package queue

import (
	"context"
	"fmt"
	"time"

	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
)

// Storage wraps a tabular.Repository with the job-specific read/write
// operations the Server and Client need, keeping status transitions and
// row (de)serialization in one place regardless of backend.
type Storage struct {
	repo tabular.Repository
}

// NewStorage wraps repo, which must use Schema()/PrimaryKey().
func NewStorage(repo tabular.Repository) Storage {
	return Storage{repo: repo}
}

func (s Storage) SetupDatabase(ctx context.Context) error {
	return s.repo.SetupDatabase(ctx)
}

// Insert stores a new job row with the status job carries.
func (s Storage) Insert(ctx context.Context, job Job) error {
	return s.repo.Put(ctx, job.ToRow())
}

func (s Storage) Get(ctx context.Context, id string) (Job, bool, error) {
	row, found, err := s.repo.Get(ctx, []interface{}{id})
	if err != nil || !found {
		return Job{}, found, err
	}
	return JobFromRow(row), true, nil
}

func (s Storage) ByQueue(ctx context.Context, queueName string) ([]schema.Row, error) {
	return s.repo.Search(ctx, "queue", queueName, tabular.Eq)
}

func (s Storage) ByStatus(ctx context.Context, queueName string, status Status) ([]Job, error) {
	rows, err := s.ByQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	var out []Job
	for _, row := range rows {
		j := JobFromRow(row)
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s Storage) ByJobRunID(ctx context.Context, jobRunID string) ([]Job, error) {
	rows, err := s.repo.Search(ctx, "jobRunId", jobRunID, tabular.Eq)
	if err != nil {
		return nil, err
	}
	out := make([]Job, len(rows))
	for i, row := range rows {
		out[i] = JobFromRow(row)
	}
	return out, nil
}

func (s Storage) All(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.repo.GetAll(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Job, len(rows))
	for i, row := range rows {
		out[i] = JobFromRow(row)
	}
	return out, nil
}

func (s Storage) Size(ctx context.Context) (int, error) {
	return s.repo.Size(ctx)
}

func (s Storage) DeleteAll(ctx context.Context) error {
	return s.repo.DeleteAll(ctx)
}

// CompareAndSetStatus transitions the job identified by id from `from` to
// `to` only if its current status still equals `from`, applying mutate to
// the in-memory Job before writing it back. This is the exclusivity
// guarantee a second process racing the same job must never be able to
// defeat.
func (s Storage) CompareAndSetStatus(ctx context.Context, id string, from, to Status, mutate func(*Job)) (bool, error) {
	row, found, err := s.repo.Get(ctx, []interface{}{id})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	job := JobFromRow(row)
	if job.Status != from {
		return false, nil
	}
	job.Status = to
	if mutate != nil {
		mutate(&job)
	}
	if err := s.repo.Put(ctx, job.ToRow()); err != nil {
		return false, err
	}
	return true, nil
}

func (s Storage) Complete(ctx context.Context, id string, output map[string]interface{}, completedAt time.Time) error {
	_, err := s.mutateTerminal(ctx, id, func(j *Job) {
		j.Status = StatusCompleted
		j.Output = output
		j.CompletedAt = &completedAt
	})
	return err
}

func (s Storage) Fail(ctx context.Context, id, errMsg, errCode string) error {
	now := time.Now()
	_, err := s.mutateTerminal(ctx, id, func(j *Job) {
		j.Status = StatusFailed
		j.Error = errMsg
		j.ErrorCode = errCode
		j.CompletedAt = &now
	})
	return err
}

func (s Storage) Skip(ctx context.Context, id string) error {
	_, err := s.mutateTerminal(ctx, id, func(j *Job) {
		j.Status = StatusSkipped
	})
	return err
}

// RetryLater sets a job back to PENDING with runAfter pushed out by the
// scheduler's backoff policy, retaining its error message.
func (s Storage) RetryLater(ctx context.Context, id, errMsg string, runAfter time.Time) error {
	row, found, err := s.repo.Get(ctx, []interface{}{id})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("job %s not found", id)
	}
	job := JobFromRow(row)
	job.Status = StatusPending
	job.Error = errMsg
	job.RunAfter = runAfter
	return s.repo.Put(ctx, job.ToRow())
}

// Requeue is RetryLater's crash-recovery counterpart: it also overwrites
// runAttempts with the policy-defined retry floor.
func (s Storage) Requeue(ctx context.Context, id, errMsg string, runAttempts int) error {
	row, found, err := s.repo.Get(ctx, []interface{}{id})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("job %s not found", id)
	}
	job := JobFromRow(row)
	job.Status = StatusPending
	job.Error = errMsg
	job.RunAttempts = runAttempts
	job.RunAfter = time.Now()
	return s.repo.Put(ctx, job.ToRow())
}

// UpdateProgress validates and clamps percent to [0,100], and fails if the
// job is not currently PROCESSING.
func (s Storage) UpdateProgress(ctx context.Context, id string, percent int, message string, details map[string]interface{}) error {
	row, found, err := s.repo.Get(ctx, []interface{}{id})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("job %s not found", id)
	}
	job := JobFromRow(row)
	if job.Status != StatusProcessing {
		return fmt.Errorf("job %s is not PROCESSING (status=%s)", id, job.Status)
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	job.Progress = percent
	job.ProgressMessage = message
	job.ProgressDetails = details
	return s.repo.Put(ctx, job.ToRow())
}

// OutputForInput returns the most recent COMPLETED job's output whose
// Input fingerprint matches inputFingerprint.
func (s Storage) OutputForInput(ctx context.Context, queueName, inputFingerprint string) (map[string]interface{}, bool, error) {
	rows, err := s.ByQueue(ctx, queueName)
	if err != nil {
		return nil, false, err
	}
	var best *Job
	for i := range rows {
		j := JobFromRow(rows[i])
		if j.Status != StatusCompleted {
			continue
		}
		fp, _ := j.Input["__fingerprint"].(string)
		if fp != inputFingerprint {
			continue
		}
		if best == nil || j.CompletedAt.After(*best.CompletedAt) {
			jCopy := j
			best = &jCopy
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best.Output, true, nil
}

func (s Storage) mutateTerminal(ctx context.Context, id string, mutate func(*Job)) (Job, error) {
	row, found, err := s.repo.Get(ctx, []interface{}{id})
	if err != nil {
		return Job{}, err
	}
	if !found {
		return Job{}, fmt.Errorf("job %s not found", id)
	}
	job := JobFromRow(row)
	mutate(&job)
	if err := s.repo.Put(ctx, job.ToRow()); err != nil {
		return Job{}, err
	}
	return job, nil
}
