// ABOUTME: Websocket fan-out of engine faults and stats
// ABOUTME: Clients connect to /telemetry and receive JSON events
package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/Resonate-Protocol/resonate-ttp/pkg/ttp"
)

// Path is the websocket endpoint served by the hub
const Path = "/telemetry"

// Event types
const (
	EventHello = "hello"
	EventFault = "fault"
	EventStats = "stats"
)

const (
	sendQueue     = 64
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Event is one telemetry message
type Event struct {
	Type   string       `json:"type"`
	Time   int64        `json:"time"` // unix microseconds
	Engine string       `json:"engine,omitempty"`
	Client string       `json:"client,omitempty"`
	Fault  *FaultEvent  `json:"fault,omitempty"`
	Stats  *StatsReport `json:"stats,omitempty"`
}

// FaultEvent reports an unachievable latency
type FaultEvent struct {
	ConnectionID uint32 `json:"connection_id"`
	EndpointID   uint32 `json:"endpoint_id"`
	MagnitudeUs  int64  `json:"magnitude_us"`
}

// StatsReport is the wire form of ttp.Stats
type StatsReport struct {
	State       string  `json:"state"`
	ThresholdUs int64   `json:"threshold_us"`
	Warp        float64 `json:"warp"`
	LastErrorUs int64   `json:"last_error_us"`
	LateCounter int     `json:"late_counter"`
	Runs        int64   `json:"runs"`
	OnTimeTags  int64   `json:"on_time_tags"`
	LateTags    int64   `json:"late_tags"`
	EarlyTags   int64   `json:"early_tags"`
	VoidTags    int64   `json:"void_tags"`
	Faults      int64   `json:"faults"`
	Discarded   int64   `json:"discarded"`
	LeadIn      int64   `json:"lead_in"`
	Silenced    int64   `json:"silenced"`
	TopUp       int64   `json:"top_up"`
	Consumed    int64   `json:"consumed"`
	Produced    int64   `json:"produced"`
	OutputLevel int     `json:"output_level"`
}

// NewStatsReport converts engine stats for the wire
func NewStatsReport(st ttp.Stats) *StatsReport {
	return &StatsReport{
		State:       st.State.String(),
		ThresholdUs: st.Threshold,
		Warp:        st.Warp,
		LastErrorUs: st.LastError,
		LateCounter: st.LateCounter,
		Runs:        st.Runs,
		OnTimeTags:  st.OnTimeTags,
		LateTags:    st.LateTags,
		EarlyTags:   st.EarlyTags,
		VoidTags:    st.VoidTags,
		Faults:      st.Faults,
		Discarded:   st.Discarded,
		LeadIn:      st.LeadIn,
		Silenced:    st.Silenced,
		TopUp:       st.TopUp,
		Consumed:    st.Consumed,
		Produced:    st.Produced,
		OutputLevel: st.OutputLevel,
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub tracks telemetry clients and broadcasts events to them
type Hub struct {
	engine   string
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	wg sync.WaitGroup
}

// New creates a hub labelling events with the engine ID
func New(engineID string) *Hub {
	return &Hub{
		engine: engineID,
		upgrader: websocket.Upgrader{
			// Read-only telemetry for the local network
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Handler returns a mux serving the hub at Path
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	return mux
}

// ServeHTTP upgrades the request and streams events until the client leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Telemetry upgrade error: %v", err)
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendQueue),
	}

	if hello, err := h.marshal(Event{Type: EventHello, Client: c.id}); err == nil {
		c.send <- hello
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()

	log.WithField("client", c.id).Infof("Telemetry client connected from %s", r.RemoteAddr)

	go func() {
		defer h.wg.Done()
		h.writer(c)
	}()

	// Telemetry is one-way; reads only detect the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("Telemetry client %s: %v", c.id, err)
			}
			break
		}
	}

	h.remove(c)
	log.WithField("client", c.id).Info("Telemetry client disconnected")
}

func (h *Hub) writer(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(writeDeadline))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugf("Telemetry write to %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) marshal(ev Event) ([]byte, error) {
	ev.Time = time.Now().UnixMicro()
	ev.Engine = h.engine
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("Telemetry marshal %s: %v", ev.Type, err)
	}
	return data, err
}

// Broadcast sends an event to every client without blocking
func (h *Hub) Broadcast(ev Event) {
	data, err := h.marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Debugf("Telemetry client %s queue full, dropping %s", c.id, ev.Type)
		}
	}
}

// Fault is a ttp.FaultFunc publishing unachievable-latency faults
func (h *Hub) Fault(connectionID, endpointID uint32, magnitudeUs int64) {
	h.Broadcast(Event{
		Type: EventFault,
		Fault: &FaultEvent{
			ConnectionID: connectionID,
			EndpointID:   endpointID,
			MagnitudeUs:  magnitudeUs,
		},
	})
}

// PublishStats broadcasts an engine stats snapshot
func (h *Hub) PublishStats(st ttp.Stats) {
	h.Broadcast(Event{Type: EventStats, Stats: NewStatsReport(st)})
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
