package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoform/lattice/pkg/events"
	"github.com/stratoform/lattice/pkg/graph"
	"github.com/stratoform/lattice/pkg/types"
)

func newTestWorker(t *testing.T) (*Worker, *Queue, graph.Store, *events.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := graph.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	presets, err := LoadPresets("")
	require.NoError(t, err)
	queue := NewQueue(client, presets, bus)
	return NewWorker(queue, store, bus), queue, store, bus
}

// tinyConfig keeps generation runs fast enough for tests.
var tinyConfig = &types.GeneratorConfig{
	Regions: 1, DCsPerRegion: 1, ServersPerDC: 3,
	Applications: 4, Databases: 2, Events: 5,
}

// Progress events observed by a subscriber advance through the stage
// order with monotonic percentages.
func TestWorkerStageProgression(t *testing.T) {
	w, q, store, bus := newTestWorker(t)
	ctx := context.Background()

	sub := bus.Subscribe()
	t.Cleanup(func() { bus.Unsubscribe(sub) })

	job, err := q.Submit(ctx, types.ScaleSmall, tinyConfig)
	require.NoError(t, err)

	popped, err := q.Next(ctx)
	require.NoError(t, err)
	w.Execute(ctx, popped)

	final, err := q.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, final.State)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	assert.NotEmpty(t, final.Result)

	// The graph holds the generated hierarchy
	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 11, stats.CIs) // 1 region + 1 dc + 3 srv + 4 app + 2 db
	assert.Greater(t, stats.Edges, 0)
	assert.Equal(t, 5, stats.Events)

	stageRank := map[string]int{
		types.StageStarting:       1,
		types.StageClearing:       2,
		types.StageGeneratingCIs:  3,
		types.StageGeneratingEvts: 4,
		types.StageCompleted:      5,
	}

	var completed bool
	lastRank := 0
	lastPct := -1.0
	timeout := time.After(3 * time.Second)
drain:
	for {
		select {
		case ev := <-sub:
			if ev.Type != events.EventJobProgress || ev.JobID != job.JobID {
				if ev.Type == events.EventJobCompleted {
					completed = true
				}
				continue
			}
			stage, _ := ev.Payload["stage"].(string)
			pct, _ := ev.Payload["percentage"].(float64)
			rank := stageRank[stage]
			assert.GreaterOrEqual(t, rank, lastRank, "stage moved backwards: %s", stage)
			assert.GreaterOrEqual(t, pct, lastPct, "percentage moved backwards at %s", stage)
			lastRank = rank
			lastPct = pct
			if stage == types.StageCompleted {
				break drain
			}
		case <-timeout:
			break drain
		}
	}
	assert.Equal(t, 5, lastRank, "run did not reach the completed stage")
	assert.Equal(t, 100.0, lastPct)
	assert.True(t, completed || lastRank == 5)
}

func TestWorkerClearsFirstWhenRequested(t *testing.T) {
	w, q, store, _ := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, store.CreateCI(&types.CI{
		ID: "legacy", Name: "legacy", Type: types.CITypeServer,
		Status: types.CIStatusOperational, Criticality: types.CriticalityLow,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	cfg := *tinyConfig
	cfg.ClearFirst = true
	_, err := q.Submit(ctx, types.ScaleSmall, &cfg)
	require.NoError(t, err)

	popped, err := q.Next(ctx)
	require.NoError(t, err)
	w.Execute(ctx, popped)

	_, err = store.GetCI("legacy")
	assert.Error(t, err)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 11, stats.CIs)
}

func TestWorkerObservesCancellation(t *testing.T) {
	w, q, store, bus := newTestWorker(t)
	ctx := context.Background()

	sub := bus.Subscribe()
	t.Cleanup(func() { bus.Unsubscribe(sub) })

	job, err := q.Submit(ctx, types.ScaleSmall, tinyConfig)
	require.NoError(t, err)

	popped, err := q.Next(ctx)
	require.NoError(t, err)

	// Flag is set before the worker starts; the first checkpoint
	// observes it.
	require.NoError(t, q.client.Set(ctx, keyCancelPrefix+job.JobID, "1", time.Hour).Err())
	w.Execute(ctx, popped)

	final, err := q.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, final.State)

	_, found, err := q.GetProgress(ctx, job.JobID)
	require.NoError(t, err)
	assert.False(t, found)

	// Nothing was generated
	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.CIs)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventJobCancelled {
				return
			}
		case <-timeout:
			t.Fatal("job-cancelled event not observed")
		}
	}
}

func TestWorkerRetriesFailedRun(t *testing.T) {
	w, q, _, _ := newTestWorker(t)
	ctx := context.Background()

	// A config producing zero CIs makes the generator fail
	job, err := q.Submit(ctx, types.ScaleSmall, nil)
	require.NoError(t, err)
	popped, err := q.Next(ctx)
	require.NoError(t, err)
	popped.Config = types.GeneratorConfig{}
	require.NoError(t, q.putJob(ctx, popped))

	w.Execute(ctx, popped)

	waiting, err := q.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobWaiting, waiting.State)
	assert.Equal(t, 1, waiting.Attempts)
	assert.NotEmpty(t, waiting.Error)
}
