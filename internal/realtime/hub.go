// Package realtime streams verified payments to WebSocket subscribers.
//
// Operators and merchant dashboards connect to /ws and optionally send a
// subscription document to narrow the stream:
//
//	{"gateways":["wechatpay"],"statuses":["succeeded"],"minAmount":"10"}
//
// The hub answers each subscription with a "subscribed" event echoing the
// filter it applied. Every broadcast carries a sequence number; a gap means
// the subscriber missed events and should reconcile through its own
// records.
//
// The hub is a gateway.Sink that never fails: a slow or absent subscriber
// must not make a gateway re-deliver a notification.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mbd888/paysign/internal/gateway"
	"github.com/mbd888/paysign/internal/metrics"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 1000

	sendBuffer   = 256
	readLimit    = 64 << 10
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType names a stream message.
type EventType string

const (
	EventPayment     EventType = "payment"
	EventCertRefresh EventType = "certificate_refresh"
	EventSubscribed  EventType = "subscribed"
	EventError       EventType = "error"
)

// Event is one message on the stream. Seq is zero on replies addressed to
// a single subscriber.
type Event struct {
	Seq       uint64           `json:"seq,omitempty"`
	Type      EventType        `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payment   *gateway.Payment `json:"payment,omitempty"`
	Data      any              `json:"data,omitempty"`
}

// Subscription filters for a client. Empty lists match everything.
type Subscription struct {
	AllEvents   bool             `json:"allEvents"`
	EventTypes  []EventType      `json:"eventTypes"`
	Gateways    []gateway.Name   `json:"gateways"`
	Statuses    []gateway.Status `json:"statuses"`
	OutTradeNos []string         `json:"outTradeNos"`
	MinAmount   decimal.Decimal  `json:"minAmount"`
}

// Stats are the hub counters exposed on the admin API.
type Stats struct {
	ConnectedClients int    `json:"connectedClients"`
	TotalEvents      int64  `json:"totalEvents"`
	TotalClients     int64  `json:"totalClients"`
	PeakClients      int64  `json:"peakClients"`
	DroppedEvents    int64  `json:"droppedEvents"`
	LastSeq          uint64 `json:"lastSeq"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// reply is a message for one client. It goes through Run so it never
// races with the hub closing the client's send channel.
type reply struct {
	client *Client
	event  *Event
}

// Option configures a Hub.
type Option func(*Hub)

// WithRawPayloads keeps the payer identity and raw gateway document on
// streamed payments. Both are stripped by default.
func WithRawPayloads(include bool) Option {
	return func(h *Hub) { h.includeRaw = include }
}

// WithMaxClients overrides MaxClients.
func WithMaxClients(n int) Option {
	return func(h *Hub) { h.maxClients = n }
}

// Hub fans events out to subscribed clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	replies    chan reply
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	includeRaw bool

	seq          atomic.Uint64
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a hub; call Run to start it.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		replies:    make(chan reply, sendBuffer),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns the client set until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.drop(client)

		case r := <-h.replies:
			h.mu.RLock()
			_, ok := h.clients[r.client]
			h.mu.RUnlock()
			if ok {
				h.deliver(r.client, encode(r.event))
			}

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			msg := encode(event)
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if shouldSend(client, event) {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range targets {
				h.deliver(client, msg)
			}
		}
	}
}

// deliver queues msg for client; a client whose buffer is full is cut off.
// Only Run calls it.
func (h *Hub) deliver(client *Client, msg []byte) {
	select {
	case client.send <- msg:
	default:
		h.logger.Debug("dropping slow websocket client")
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client disconnected", "total", n)
}

// shouldSend checks if event matches client's subscription
func shouldSend(client *Client, event *Event) bool {
	sub := client.subscription()
	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !contains(sub.EventTypes, event.Type) {
		return false
	}

	p := event.Payment
	if p == nil {
		// Payment filters only narrow payment events.
		return true
	}
	if len(sub.Gateways) > 0 && !contains(sub.Gateways, p.Gateway) {
		return false
	}
	if len(sub.Statuses) > 0 && !contains(sub.Statuses, p.Status) {
		return false
	}
	if len(sub.OutTradeNos) > 0 && !contains(sub.OutTradeNos, p.OutTradeNo) {
		return false
	}
	if sub.MinAmount.IsPositive() && p.Amount.LessThan(sub.MinAmount) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func encode(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast numbers event and queues it for every matching client. A full
// queue drops the event; subscribers see the gap in Seq.
func (h *Hub) Broadcast(event *Event) {
	event.Seq = h.seq.Add(1)
	select {
	case h.broadcast <- event:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type, "seq", event.Seq)
	}
}

// Accept implements gateway.Sink. It never returns an error.
func (h *Hub) Accept(_ context.Context, p *gateway.Payment) error {
	out := p
	if !h.includeRaw {
		redacted := *p
		redacted.Payer = ""
		redacted.Raw = nil
		out = &redacted
	}
	h.Broadcast(&Event{Type: EventPayment, Timestamp: time.Now(), Payment: out})
	return nil
}

// BroadcastCertificateRefresh announces a platform certificate refresh.
func (h *Hub) BroadcastCertificateRefresh(gw gateway.Name, serials []string) {
	h.Broadcast(&Event{
		Type:      EventCertRefresh,
		Timestamp: time.Now(),
		Data:      map[string]any{"gateway": gw, "serials": serials},
	})
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		DroppedEvents:    h.dropped.Load(),
		LastSeq:          h.seq.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) replyTo(c *Client, ev *Event) {
	ev.Timestamp = time.Now()
	select {
	case h.replies <- reply{client: c, event: ev}:
	case <-h.done:
	}
}

// readPump applies subscription updates until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.replyTo(c, &Event{Type: EventError, Data: "invalid subscription: " + err.Error()})
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
		c.hub.replyTo(c, &Event{Type: EventSubscribed, Data: sub})
	}
}

// writePump drains send and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
