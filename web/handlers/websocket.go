package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/leadbroker/pkg/types"
)

// EventUrgencyAlert is the event type pushed when a lead crosses the alert threshold.
const EventUrgencyAlert = "urgency_alert"

const (
	streamQueueSize    = 256
	streamWriteTimeout = 10 * time.Second
)

// AlertEvent is the message pushed to connected brokers.
type AlertEvent struct {
	Type  string              `json:"type"`
	Alert *types.UrgencyAlert `json:"alert"`
}

// subscriber is a connected dashboard. MockClient implements it in tests.
type subscriber interface {
	outbox() chan []byte
	disconnect()
}

// AlertHub streams urgency alerts to connected broker dashboards over
// WebSocket. It implements urgency.Notifier.
type AlertHub struct {
	mu          sync.RWMutex
	subscribers map[subscriber]struct{}

	events chan interface{}
	joins  chan subscriber
	leaves chan subscriber

	origins []string
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewAlertHub creates a hub accepting browser connections from
// allowedOrigins (host[:port] patterns). Requests without an Origin header
// are always accepted.
func NewAlertHub(allowedOrigins ...string) *AlertHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &AlertHub{
		subscribers: make(map[subscriber]struct{}),
		events:      make(chan interface{}, streamQueueSize),
		joins:       make(chan subscriber),
		leaves:      make(chan subscriber),
		origins:     allowedOrigins,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run dispatches joins, leaves and events until Stop is called.
func (h *AlertHub) Run() {
	for {
		select {
		case s := <-h.joins:
			log.Printf("alerts: stream client connected (total: %d)", h.add(s))

		case s := <-h.leaves:
			log.Printf("alerts: stream client disconnected (total: %d)", h.remove(s))

		case ev := <-h.events:
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("alerts: failed to marshal event: %v", err)
				continue
			}
			h.fanOut(data)

		case <-h.ctx.Done():
			return
		}
	}
}

func (h *AlertHub) add(s subscriber) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[s] = struct{}{}
	return len(h.subscribers)
}

func (h *AlertHub) remove(s subscriber) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[s]; ok {
		delete(h.subscribers, s)
		close(s.outbox())
	}
	return len(h.subscribers)
}

// fanOut delivers data to every subscriber. A subscriber whose queue is full
// is dropped rather than stalling the others.
func (h *AlertHub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		select {
		case s.outbox() <- data:
		default:
			log.Println("alerts: warning: dropping slow stream client")
			close(s.outbox())
			delete(h.subscribers, s)
		}
	}
}

// Stop ends Run and disconnects every subscriber.
func (h *AlertHub) Stop() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		close(s.outbox())
		s.disconnect()
	}
	h.subscribers = make(map[subscriber]struct{})
}

// Clients returns the number of connected subscribers.
func (h *AlertHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast queues an event for all subscribers. It never blocks; a full
// queue drops the event.
func (h *AlertHub) Broadcast(event interface{}) {
	select {
	case h.events <- event:
	default:
		log.Println("alerts: warning: broadcast queue full, dropping event")
	}
}

// Notify pushes alert to every connected broker.
func (h *AlertHub) Notify(_ context.Context, alert *types.UrgencyAlert) error {
	h.Broadcast(AlertEvent{Type: EventUrgencyAlert, Alert: alert})
	return nil
}

// Register adds a subscriber. It returns without effect once the hub stopped.
func (h *AlertHub) Register(s subscriber) {
	select {
	case h.joins <- s:
	case <-h.ctx.Done():
	}
}

// Unregister removes a subscriber.
func (h *AlertHub) Unregister(s subscriber) {
	select {
	case h.leaves <- s:
	case <-h.ctx.Done():
	}
}

func (h *AlertHub) originAllowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.origins {
		if u.Host == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades GET /api/alerts/stream and streams events until the
// dashboard disconnects.
func (h *AlertHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && !h.originAllowed(origin) {
		http.Error(w, "Forbidden: invalid origin", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Printf("alerts: websocket upgrade failed: %v", err)
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, streamQueueSize)}
	h.Register(c)
	go c.stream(h)
}

// streamClient is a dashboard connected over WebSocket. The stream is
// one-way: inbound frames are discarded.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *streamClient) outbox() chan []byte { return c.send }

func (c *streamClient) disconnect() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *streamClient) stream(h *AlertHub) {
	defer func() {
		h.Unregister(c)
		c.disconnect()
	}()

	// CloseRead discards inbound frames and cancels ctx when the peer leaves.
	ctx := c.conn.CloseRead(h.ctx)
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Printf("alerts: websocket write failed: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// MockClient is a subscriber for tests that exposes its queue.
type MockClient struct {
	SendChan chan []byte
}

func (m *MockClient) outbox() chan []byte { return m.SendChan }

func (m *MockClient) disconnect() {}
