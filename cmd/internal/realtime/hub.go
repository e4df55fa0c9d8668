package realtime

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"murmur/cmd/internal/auth/session"
)

// Hub fans session events out to every connection of the affected account.
// It implements session.Publisher.
//
// Publish never blocks: a connection whose queue is full misses the event.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	accounts map[string]map[string]*Client

	connected prometheus.Gauge
	dropped   prometheus.Counter
}

var _ session.Publisher = (*Hub)(nil)

// NewHub constructs a Hub. reg may be nil.
func NewHub(log *slog.Logger, reg prometheus.Registerer) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h := &Hub{
		log:      log,
		accounts: make(map[string]map[string]*Client),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "murmur",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open session event sockets.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "realtime",
			Name:      "dropped_events_total",
			Help:      "Session events dropped because a connection queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.connected, h.dropped)
	}
	return h
}

// Join registers client under its account.
func (h *Hub) Join(client *Client) {
	if h == nil || client == nil || client.ConnID == "" || client.AccountID == "" {
		return
	}

	h.mu.Lock()
	conns := h.accounts[client.AccountID]
	if conns == nil {
		conns = make(map[string]*Client)
		h.accounts[client.AccountID] = conns
	}
	_, existed := conns[client.ConnID]
	conns[client.ConnID] = client
	h.mu.Unlock()

	if !existed {
		h.connected.Inc()
	}
	h.log.Info("realtime.conn.join", "account_id", client.AccountID, "conn_id", client.ConnID)
}

// Leave removes a connection and signals its shutdown.
func (h *Hub) Leave(accountID, connID string) {
	if h == nil || accountID == "" || connID == "" {
		return
	}

	h.mu.Lock()
	conns := h.accounts[accountID]
	cl := conns[connID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.accounts, accountID)
	}
	h.mu.Unlock()

	// Removed from the map before Close so a concurrent Publish never targets
	// a client being torn down.
	if cl != nil {
		cl.Close()
		h.connected.Dec()
	}
	h.log.Info("realtime.conn.leave", "account_id", accountID, "conn_id", connID)
}

// Connections returns the number of open connections for accountID.
func (h *Hub) Connections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.accounts[accountID])
}

// Publish delivers ev to every connection of ev.AccountID.
func (h *Hub) Publish(ev session.Event) {
	if h == nil || ev.AccountID == "" {
		return
	}
	env := eventEnvelope(ev)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.accounts[ev.AccountID] {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
		default:
			h.dropped.Inc()
			h.log.Warn("realtime.publish.dropped", "account_id", ev.AccountID, "conn_id", c.ConnID, "type", ev.Type)
		}
	}
}
