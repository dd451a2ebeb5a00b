package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/events"
	"github.com/stratoform/lattice/pkg/log"
	"github.com/stratoform/lattice/pkg/types"
)

const (
	// ProgressTTL bounds how long a progress record outlives its last
	// update.
	ProgressTTL = 3600 * time.Second

	maxAttempts      = 3
	retryBackoffBase = 5 * time.Second

	retainCompleted = 10
	retainFailed    = 5
	reapAfter       = 24 * time.Hour
	reapInterval    = time.Hour

	keyJobPrefix      = "jobs:job:"
	keyProgressPrefix = "progress:"
	keyCancelPrefix   = "jobs:cancel:"
	keyIndex          = "jobs:index"
	keyPending        = "jobs:pending"
	keyDelayed        = "jobs:delayed"
	keySeq            = "jobs:seq"
	keyHistCompleted  = "jobs:history:completed"
	keyHistFailed     = "jobs:history:failed"
)

// Queue is the durable job queue backed by the kv store. Pending jobs
// live in a sorted set ordered by priority then submission order;
// retries wait in a delayed set until their backoff elapses.
type Queue struct {
	client  *redis.Client
	presets *Presets
	bus     *events.Bus
	logger  zerolog.Logger
	now     func() time.Time

	stopCh chan struct{}
	done   chan struct{}
}

// NewQueue creates a job queue on an established kv client. A nil bus
// disables lifecycle event emission.
func NewQueue(client *redis.Client, presets *Presets, bus *events.Bus) *Queue {
	return &Queue{
		client:  client,
		presets: presets,
		bus:     bus,
		logger:  log.WithComponent("queue"),
		now:     time.Now,
	}
}

// Presets exposes the scale registry backing this queue.
func (q *Queue) Presets() *Presets { return q.presets }

// StartReaper launches the hourly history reaper.
func (q *Queue) StartReaper() {
	q.stopCh = make(chan struct{})
	q.done = make(chan struct{})
	go q.reapLoop()
}

// StopReaper halts the reaper.
func (q *Queue) StopReaper() {
	if q.stopCh == nil {
		return
	}
	close(q.stopCh)
	<-q.done
	q.stopCh = nil
}

// Submit validates the scale, snapshots the resolved config onto a new
// job and enqueues it. The initial progress record is written with the
// standard TTL.
func (q *Queue) Submit(ctx context.Context, scale types.Scale, override *types.GeneratorConfig) (*types.Job, error) {
	cfg, err := q.presets.Resolve(scale, override)
	if err != nil {
		return nil, err
	}

	seq, err := q.client.Incr(ctx, keySeq).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}

	job := &types.Job{
		JobID:     uuid.New().String(),
		QueueID:   fmt.Sprintf("%d", seq),
		Scale:     scale,
		Config:    cfg,
		State:     types.JobQueued,
		Priority:  PriorityFor(scale),
		CreatedAt: q.now(),
	}

	if err := q.putJob(ctx, job); err != nil {
		return nil, err
	}
	// Lower score pops first: negative priority beats positive sequence
	// spacing inside one priority band.
	score := float64(-job.Priority)*1e12 + float64(seq)
	if err := q.client.ZAdd(ctx, keyPending, redis.Z{Score: score, Member: job.JobID}).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}

	if err := q.SetProgress(ctx, &types.Progress{
		JobID:       job.JobID,
		Stage:       types.StageQueued,
		Percentage:  0,
		Message:     fmt.Sprintf("Queued %s generation", scale),
		LastUpdated: q.now(),
	}); err != nil {
		return nil, err
	}

	if q.bus != nil {
		q.bus.Publish(&events.Event{
			Type:    events.EventJobCreated,
			JobID:   job.JobID,
			Message: fmt.Sprintf("job queued for %s generation", scale),
			Payload: map[string]any{
				"jobId":    job.JobID,
				"scale":    string(scale),
				"priority": job.Priority,
			},
		})
	}
	q.logger.Info().
		Str("job_id", job.JobID).
		Str("scale", string(scale)).
		Int("priority", job.Priority).
		Msg("job submitted")
	return job, nil
}

// Next pops the highest-priority due job and returns nil when the queue
// is empty. Delayed retries whose backoff has elapsed are promoted
// first.
func (q *Queue) Next(ctx context.Context) (*types.Job, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	members, err := q.client.ZPopMin(ctx, keyPending, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	jobID, _ := members[0].Member.(string)
	job, err := q.Get(ctx, jobID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := float64(q.now().Unix())
	due, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}

	for _, jobID := range due {
		job, err := q.Get(ctx, jobID)
		if err != nil {
			// Only a vanished job record is dropped; a transient read
			// failure leaves the entry for the next promotion pass.
			if errdefs.IsNotFound(err) {
				q.client.ZRem(ctx, keyDelayed, jobID)
			}
			continue
		}
		seq, err := q.client.Incr(ctx, keySeq).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
		}
		score := float64(-job.Priority)*1e12 + float64(seq)
		if err := q.client.ZAdd(ctx, keyPending, redis.Z{Score: score, Member: jobID}).Err(); err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
		}
		q.client.ZRem(ctx, keyDelayed, jobID)

		job.State = types.JobQueued
		if err := q.putJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Get loads one job by its external id.
func (q *Queue) Get(ctx context.Context, jobID string) (*types.Job, error) {
	data, err := q.client.Get(ctx, keyJobPrefix+jobID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	return &job, nil
}

// List returns every known job, newest first.
func (q *Queue) List(ctx context.Context) ([]*types.Job, error) {
	ids, err := q.client.SMembers(ctx, keyIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}

	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	sortJobsNewestFirst(jobs)
	return jobs, nil
}

// Cancel removes a queued job outright; a running job gets a cancel
// flag the worker observes at its next checkpoint. The progress record
// is deleted either way.
func (q *Queue) Cancel(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case types.JobQueued, types.JobWaiting:
		q.client.ZRem(ctx, keyPending, jobID)
		q.client.ZRem(ctx, keyDelayed, jobID)
		now := q.now()
		job.State = types.JobCancelled
		job.FinishedAt = &now
		if err := q.putJob(ctx, job); err != nil {
			return nil, err
		}
		if q.bus != nil {
			q.bus.Publish(&events.Event{
				Type:    events.EventJobCancelled,
				JobID:   jobID,
				Message: "job removed from queue",
				Payload: map[string]any{"jobId": jobID},
			})
		}
	case types.JobActive:
		if err := q.client.Set(ctx, keyCancelPrefix+jobID, "1", reapAfter).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
		}
	case types.JobCompleted, types.JobFailed, types.JobCancelled:
		return nil, errdefs.Validationf("job %s already finished", jobID)
	}

	q.DeleteProgress(ctx, jobID)
	q.logger.Info().Str("job_id", jobID).Str("state", string(job.State)).Msg("job cancelled")
	return job, nil
}

// Cancelled reports whether a cancel flag is set for the job.
func (q *Queue) Cancelled(ctx context.Context, jobID string) bool {
	n, err := q.client.Exists(ctx, keyCancelPrefix+jobID).Result()
	return err == nil && n > 0
}

// MarkActive transitions a popped job to the active state.
func (q *Queue) MarkActive(ctx context.Context, job *types.Job) error {
	now := q.now()
	job.State = types.JobActive
	job.StartedAt = &now
	job.Attempts++
	return q.putJob(ctx, job)
}

// MarkCompleted finishes a job and trims completed history.
func (q *Queue) MarkCompleted(ctx context.Context, job *types.Job, result string) error {
	now := q.now()
	job.State = types.JobCompleted
	job.FinishedAt = &now
	job.Result = result
	if err := q.putJob(ctx, job); err != nil {
		return err
	}
	return q.retain(ctx, keyHistCompleted, job.JobID, retainCompleted)
}

// MarkFailed records a failure. Jobs with attempts left go back to the
// delayed set with exponential backoff; exhausted jobs become terminal
// and trim failed history.
func (q *Queue) MarkFailed(ctx context.Context, job *types.Job, jobErr error) (retrying bool, err error) {
	job.Error = jobErr.Error()

	if job.Attempts < maxAttempts {
		backoff := retryBackoffBase * (1 << (job.Attempts - 1))
		job.State = types.JobWaiting
		if err := q.putJob(ctx, job); err != nil {
			return false, err
		}
		readyAt := float64(q.now().Add(backoff).Unix())
		if err := q.client.ZAdd(ctx, keyDelayed, redis.Z{Score: readyAt, Member: job.JobID}).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
		}
		q.logger.Warn().
			Str("job_id", job.JobID).
			Int("attempt", job.Attempts).
			Dur("backoff", backoff).
			Msg("job failed, retrying")
		return true, nil
	}

	now := q.now()
	job.State = types.JobFailed
	job.FinishedAt = &now
	if err := q.putJob(ctx, job); err != nil {
		return false, err
	}
	return false, q.retain(ctx, keyHistFailed, job.JobID, retainFailed)
}

// MarkCancelled records a cooperative cancellation observed by the
// worker.
func (q *Queue) MarkCancelled(ctx context.Context, job *types.Job) error {
	now := q.now()
	job.State = types.JobCancelled
	job.FinishedAt = &now
	q.client.Del(ctx, keyCancelPrefix+job.JobID)
	return q.putJob(ctx, job)
}

// retain pushes a finished job onto a history list and evicts anything
// past the retention count.
func (q *Queue) retain(ctx context.Context, key, jobID string, keep int) error {
	if err := q.client.LPush(ctx, key, jobID).Err(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	evicted, err := q.client.LRange(ctx, key, int64(keep), -1).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	if err := q.client.LTrim(ctx, key, 0, int64(keep)-1).Err(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	for _, id := range evicted {
		q.removeJob(ctx, id)
	}
	return nil
}

// Stats summarizes queue depth and job states.
type Stats struct {
	Pending int64            `json:"pending"`
	Delayed int64            `json:"delayed"`
	ByState map[string]int64 `json:"byState"`
	Total   int64            `json:"total"`
}

// QueueStats reports current queue depth and per-state job counts.
func (q *Queue) QueueStats(ctx context.Context) (*Stats, error) {
	pending, err := q.client.ZCard(ctx, keyPending).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	delayed, err := q.client.ZCard(ctx, keyDelayed).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}

	jobs, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Pending: pending, Delayed: delayed, ByState: make(map[string]int64)}
	for _, job := range jobs {
		stats.ByState[string(job.State)]++
		stats.Total++
	}
	return stats, nil
}

// SetProgress writes the job's progress record, refreshing its TTL.
func (q *Queue) SetProgress(ctx context.Context, p *types.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	if err := q.client.Set(ctx, keyProgressPrefix+p.JobID, data, ProgressTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	return nil
}

// GetProgress loads a job's progress record; found is false once the
// TTL has expired or the record was deleted.
func (q *Queue) GetProgress(ctx context.Context, jobID string) (*types.Progress, bool, error) {
	data, err := q.client.Get(ctx, keyProgressPrefix+jobID).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	var p types.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	return &p, true, nil
}

// DeleteProgress drops a job's progress record.
func (q *Queue) DeleteProgress(ctx context.Context, jobID string) {
	q.client.Del(ctx, keyProgressPrefix+jobID)
}

func (q *Queue) putJob(ctx context.Context, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	if err := q.client.Set(ctx, keyJobPrefix+job.JobID, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	if err := q.client.SAdd(ctx, keyIndex, job.JobID).Err(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrQueueFailure, err)
	}
	return nil
}

func (q *Queue) removeJob(ctx context.Context, jobID string) {
	q.client.Del(ctx, keyJobPrefix+jobID)
	q.client.Del(ctx, keyCancelPrefix+jobID)
	q.client.SRem(ctx, keyIndex, jobID)
	q.DeleteProgress(ctx, jobID)
}

func (q *Queue) reapLoop() {
	defer close(q.done)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := q.Reap(context.Background()); err != nil {
				q.logger.Error().Err(err).Msg("history reap failed")
			}
		case <-q.stopCh:
			return
		}
	}
}

// Reap removes finished jobs older than the retention horizon.
func (q *Queue) Reap(ctx context.Context) error {
	jobs, err := q.List(ctx)
	if err != nil {
		return err
	}
	cutoff := q.now().Add(-reapAfter)
	reaped := 0
	for _, job := range jobs {
		if job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
			continue
		}
		switch job.State {
		case types.JobCompleted, types.JobFailed, types.JobCancelled:
			q.removeJob(ctx, job.JobID)
			reaped++
		}
	}
	if reaped > 0 {
		q.logger.Info().Int("reaped", reaped).Msg("job history reaped")
	}
	return nil
}

func sortJobsNewestFirst(jobs []*types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
