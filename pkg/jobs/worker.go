package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/events"
	"github.com/stratoform/lattice/pkg/graph"
	"github.com/stratoform/lattice/pkg/log"
	"github.com/stratoform/lattice/pkg/metrics"
	"github.com/stratoform/lattice/pkg/types"
)

const pollInterval = 500 * time.Millisecond

// Worker executes generation jobs popped from the queue. Only one
// generator run may touch the graph at a time; the slot channel
// serializes execution even when several workers poll the same queue.
type Worker struct {
	queue  *Queue
	store  graph.Store
	bus    *events.Bus
	logger zerolog.Logger

	slot   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// NewWorker creates a job worker.
func NewWorker(queue *Queue, store graph.Store, bus *events.Bus) *Worker {
	return &Worker{
		queue:  queue,
		store:  store,
		bus:    bus,
		logger: log.WithComponent("worker"),
		slot:   make(chan struct{}, 1),
	}
}

// Start launches the polling loop.
func (w *Worker) Start() {
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	go w.run()
	w.logger.Info().Msg("job worker started")
}

// Stop halts the worker after the in-flight job finishes.
func (w *Worker) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.done
	w.stopCh = nil
	w.logger.Info().Msg("job worker stopped")
}

func (w *Worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			job, err := w.queue.Next(ctx)
			if err != nil {
				w.logger.Error().Err(err).Msg("queue poll failed")
				continue
			}
			if job == nil {
				continue
			}
			w.Execute(ctx, job)
		case <-w.stopCh:
			return
		}
	}
}

// Execute runs one job through its stage progression. Cancellation is
// observed at every progress checkpoint.
func (w *Worker) Execute(ctx context.Context, job *types.Job) {
	w.slot <- struct{}{}
	defer func() { <-w.slot }()

	started := time.Now()
	if err := w.queue.MarkActive(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.JobID).Msg("activating job failed")
		return
	}
	err := w.runStages(ctx, job)
	switch {
	case err == nil:
		result := fmt.Sprintf("generated %s topology", job.Scale)
		if err := w.queue.MarkCompleted(ctx, job, result); err != nil {
			w.logger.Error().Err(err).Str("job_id", job.JobID).Msg("completing job failed")
			return
		}
		w.report(ctx, job, types.StageCompleted, 100, "Generation complete")
		w.publish(events.EventJobCompleted, job, "job completed")
		metrics.JobsTotal.WithLabelValues(string(types.JobCompleted)).Inc()
		metrics.JobDuration.Observe(time.Since(started).Seconds())

	case errdefs.IsCancelled(err):
		if err := w.queue.MarkCancelled(ctx, job); err != nil {
			w.logger.Error().Err(err).Str("job_id", job.JobID).Msg("cancelling job failed")
		}
		w.queue.DeleteProgress(ctx, job.JobID)
		w.publish(events.EventJobCancelled, job, "job cancelled")
		metrics.JobsTotal.WithLabelValues(string(types.JobCancelled)).Inc()
		w.logger.Info().Str("job_id", job.JobID).Msg("job cancelled cooperatively")

	default:
		w.report(ctx, job, types.StageFailed, 0, err.Error())
		retrying, markErr := w.queue.MarkFailed(ctx, job, err)
		if markErr != nil {
			w.logger.Error().Err(markErr).Str("job_id", job.JobID).Msg("failing job failed")
		}
		if !retrying {
			w.publish(events.EventJobFailed, job, err.Error())
			metrics.JobsTotal.WithLabelValues(string(types.JobFailed)).Inc()
		}
		w.logger.Error().Err(err).Str("job_id", job.JobID).Bool("retrying", retrying).Msg("job failed")
	}
}

func (w *Worker) runStages(ctx context.Context, job *types.Job) error {
	if err := w.checkpoint(ctx, job, types.StageStarting, 5, "Preparing generator"); err != nil {
		return err
	}

	if job.Config.ClearFirst {
		if err := w.checkpoint(ctx, job, types.StageClearing, 10, "Clearing existing topology"); err != nil {
			return err
		}
		if err := w.store.Clear(); err != nil {
			return fmt.Errorf("clearing graph: %w", err)
		}
	}

	gen := NewGenerator(w.store)

	// CI generation spans 15% to 75% of the bar.
	ciReport := func(fraction float64, message string) error {
		pct := 15 + fraction*60
		return w.checkpoint(ctx, job, types.StageGeneratingCIs, pct, message)
	}
	if err := w.checkpoint(ctx, job, types.StageGeneratingCIs, 15, "Generating configuration items"); err != nil {
		return err
	}
	created, err := gen.GenerateCIs(job.Config, job.JobID[:8], ciReport)
	if err != nil {
		return err
	}

	// Event generation spans 80% to 95%.
	evReport := func(fraction float64, message string) error {
		pct := 80 + fraction*15
		return w.checkpoint(ctx, job, types.StageGeneratingEvts, pct, message)
	}
	if err := w.checkpoint(ctx, job, types.StageGeneratingEvts, 80, "Generating events"); err != nil {
		return err
	}
	if _, err := gen.GenerateEvents(job.Config.Events, job.JobID[:8], evReport); err != nil {
		return err
	}

	w.logger.Info().Str("job_id", job.JobID).Int("cis", created).Msg("generation finished")
	return nil
}

// checkpoint writes progress and observes the cancel flag. Percentages
// never move backwards within a run.
func (w *Worker) checkpoint(ctx context.Context, job *types.Job, stage string, pct float64, message string) error {
	if w.queue.Cancelled(ctx, job.JobID) {
		return fmt.Errorf("%w: job %s", errdefs.ErrCancelled, job.JobID)
	}
	w.report(ctx, job, stage, pct, message)
	return nil
}

func (w *Worker) report(ctx context.Context, job *types.Job, stage string, pct float64, message string) {
	p := &types.Progress{
		JobID:       job.JobID,
		Stage:       stage,
		Percentage:  pct,
		Message:     message,
		LastUpdated: time.Now(),
	}
	if err := w.queue.SetProgress(ctx, p); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.JobID).Msg("writing progress failed")
	}
	if w.bus != nil {
		w.bus.Publish(&events.Event{
			Type:    events.EventJobProgress,
			JobID:   job.JobID,
			Message: message,
			Payload: map[string]any{
				"jobId":       p.JobID,
				"stage":       p.Stage,
				"percentage":  p.Percentage,
				"message":     p.Message,
				"lastUpdated": p.LastUpdated,
			},
		})
	}
}

func (w *Worker) publish(evType events.EventType, job *types.Job, message string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(&events.Event{
		Type:    evType,
		JobID:   job.JobID,
		Message: message,
		Payload: map[string]any{
			"jobId": job.JobID,
			"scale": string(job.Scale),
			"state": string(job.State),
		},
	})
}
