package progress

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stratoform/lattice/pkg/events"
)

const (
	writeTimeout = 10 * time.Second
	frameBuffer  = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is served same-origin or behind a trusted proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is what the browser sends over the socket.
type clientFrame struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// serverFrame wraps one job event for the wire.
type serverFrame struct {
	Type      string         `json:"type"`
	JobID     string         `json:"jobId"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// ServeWS upgrades the connection and speaks the subscribe protocol:
// subscribe-job-progress / unsubscribe-job-progress frames in, job
// lifecycle frames out. Disconnect is treated as unsubscribe-all.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{hub: h, conn: conn, out: make(chan *events.Event, frameBuffer), jobs: make(map[string]chan *events.Event)}
	go c.writeLoop()
	c.readLoop()
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan *events.Event

	mu   sync.Mutex
	jobs map[string]chan *events.Event
	fwd  sync.WaitGroup
}

func (c *wsClient) readLoop() {
	defer c.teardown()
	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "subscribe-job-progress":
			c.subscribe(frame.JobID)
		case "unsubscribe-job-progress":
			c.unsubscribe(frame.JobID)
		}
	}
}

func (c *wsClient) subscribe(jobID string) {
	if jobID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[jobID]; ok {
		return
	}
	ch := c.hub.SubscribeJob(jobID)
	c.jobs[jobID] = ch
	// Forward until the hub closes the channel; fan into the single
	// outbound queue so one writer owns the socket.
	c.fwd.Add(1)
	go func() {
		defer c.fwd.Done()
		for ev := range ch {
			select {
			case c.out <- ev:
			default:
			}
		}
	}()
}

func (c *wsClient) unsubscribe(jobID string) {
	c.mu.Lock()
	ch, ok := c.jobs[jobID]
	if ok {
		delete(c.jobs, jobID)
	}
	c.mu.Unlock()
	if ok {
		c.hub.UnsubscribeJob(jobID, ch)
	}
}

func (c *wsClient) writeLoop() {
	for ev := range c.out {
		frame := serverFrame{
			Type:      string(ev.Type),
			JobID:     ev.JobID,
			Message:   ev.Message,
			Timestamp: ev.Timestamp,
			Data:      ev.Payload,
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (c *wsClient) teardown() {
	c.mu.Lock()
	jobs := c.jobs
	c.jobs = make(map[string]chan *events.Event)
	c.mu.Unlock()

	for jobID, ch := range jobs {
		c.hub.UnsubscribeJob(jobID, ch)
	}
	c.fwd.Wait()
	close(c.out)
	c.conn.Close()
}
