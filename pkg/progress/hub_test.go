package progress

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoform/lattice/pkg/events"
	"github.com/stratoform/lattice/pkg/types"
)

func newTestHub(t *testing.T) (*Hub, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	hub := NewHub(bus)
	hub.Start()
	t.Cleanup(hub.Stop)
	return hub, bus
}

func publishProgress(bus *events.Bus, jobID, stage string, pct float64) {
	bus.Publish(&events.Event{
		Type:    events.EventJobProgress,
		JobID:   jobID,
		Message: stage,
		Payload: map[string]any{
			"jobId":       jobID,
			"stage":       stage,
			"percentage":  pct,
			"lastUpdated": time.Now(),
		},
	})
}

// Progress events arrive in publish order with monotonic percentages,
// and only for the subscribed job.
func TestPerJobOrdering(t *testing.T) {
	hub, bus := newTestHub(t)

	sub := hub.SubscribeJob("job-a")
	t.Cleanup(func() { hub.UnsubscribeJob("job-a", sub) })

	stages := []struct {
		stage string
		pct   float64
	}{
		{types.StageQueued, 0},
		{types.StageStarting, 5},
		{types.StageGeneratingCIs, 40},
		{types.StageGeneratingEvts, 85},
		{types.StageCompleted, 100},
	}
	for _, s := range stages {
		publishProgress(bus, "job-a", s.stage, s.pct)
		publishProgress(bus, "job-b", "noise", 50)
	}

	lastPct := -1.0
	for i, want := range stages {
		select {
		case ev := <-sub:
			assert.Equal(t, "job-a", ev.JobID)
			stage, _ := ev.Payload["stage"].(string)
			pct, _ := ev.Payload["percentage"].(float64)
			assert.Equal(t, want.stage, stage, "event %d out of order", i)
			assert.GreaterOrEqual(t, pct, lastPct)
			lastPct = pct
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for stage %s", want.stage)
		}
	}
}

func TestNonJobEventsAreNotRouted(t *testing.T) {
	hub, bus := newTestHub(t)

	sub := hub.SubscribeJob("job-a")
	t.Cleanup(func() { hub.UnsubscribeJob("job-a", sub) })

	bus.Publish(&events.Event{
		Type:    events.EventFailoverActivated,
		JobID:   "job-a",
		Message: "not a job event",
	})
	publishProgress(bus, "job-a", types.StageQueued, 0)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventJobProgress, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub, _ := newTestHub(t)

	sub := hub.SubscribeJob("job-a")
	assert.Equal(t, 1, hub.SubscriberCount("job-a"))

	hub.UnsubscribeJob("job-a", sub)
	assert.Zero(t, hub.SubscriberCount("job-a"))

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe is a no-op
	hub.UnsubscribeJob("job-a", sub)
}

// Full duplex round trip over a real websocket.
func TestWebSocketSubscribeProtocol(t *testing.T) {
	hub, bus := newTestHub(t)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "subscribe-job-progress", "jobId": "job-ws",
	}))

	// The subscription registers asynchronously with the read loop
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("job-ws") == 1
	}, 2*time.Second, 10*time.Millisecond)

	publishProgress(bus, "job-ws", types.StageStarting, 5)
	publishProgress(bus, "job-ws", types.StageCompleted, 100)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second serverFrame
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, "job-progress", first.Type)
	assert.Equal(t, "job-ws", first.JobID)
	assert.Equal(t, types.StageStarting, first.Data["stage"])
	assert.Equal(t, types.StageCompleted, second.Data["stage"])

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "unsubscribe-job-progress", "jobId": "job-ws",
	}))
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("job-ws") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
