// Package stream fans tick change events out to websocket subscribers. Each
// session names the tag external ids it cares about; per tick it receives at
// most one message carrying only its subscribed, changed tags. Slow sessions
// get messages dropped, never a blocked broadcast.
package stream

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldgate/fieldgate/pkg/model"
)

var (
	metricSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldgate",
		Subsystem: "stream",
		Name:      "sessions",
		Help:      "Connected websocket sessions.",
	})
	metricSends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "stream",
		Name:      "messages_sent_total",
		Help:      "Change messages queued to sessions.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "stream",
		Name:      "messages_dropped_total",
		Help:      "Change messages dropped on full session buffers.",
	})
)

// DashboardResolver turns a dashboard external id into the tag ids its
// widgets display.
type DashboardResolver interface {
	WidgetTagIDs(ctx context.Context, dashboardExternalID uuid.UUID) ([]uuid.UUID, error)
}

// Hub owns the session registry. It implements http.Handler for the /ws
// endpoint and receives each tick's change set from the poller after commit.
type Hub struct {
	services.Service

	cfg      Config
	resolver DashboardResolver
	logger   log.Logger
	upgrader websocket.Upgrader

	mtx      sync.Mutex
	sessions map[*Session]struct{}
}

func NewHub(cfg Config, resolver DashboardResolver, logger log.Logger) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Hub{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth lives outside the core; dashboards connect cross-origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: map[*Session]struct{}{},
	}
	h.Service = services.NewIdleService(h.starting, h.stopping)
	return h, nil
}

func (h *Hub) starting(_ context.Context) error { return nil }

func (h *Hub) stopping(_ error) error {
	h.mtx.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mtx.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}

// ServeHTTP upgrades the request and runs the session's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Warn(h.logger).Log("msg", "websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s := newSession(h, conn)
	h.register(s)
	go s.writePump()
	go s.readPump()
	level.Debug(h.logger).Log("msg", "websocket session opened", "remote", r.RemoteAddr)
}

func (h *Hub) register(s *Session) {
	h.mtx.Lock()
	h.sessions[s] = struct{}{}
	h.mtx.Unlock()
	metricSessions.Inc()
}

func (h *Hub) unregister(s *Session) {
	h.mtx.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mtx.Unlock()
	if ok {
		metricSessions.Dec()
	}
}

// Broadcast hands one tick's change set to every session. Each session
// filters to its own subscription; sessions with nothing relevant receive
// nothing this tick.
func (h *Hub) Broadcast(events model.ChangeSet) {
	if len(events) == 0 {
		return
	}
	h.mtx.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mtx.Unlock()

	for _, s := range sessions {
		sent, dropped := s.offer(events)
		if sent {
			metricSends.Inc()
		}
		if dropped {
			metricDropped.Inc()
		}
	}
}
