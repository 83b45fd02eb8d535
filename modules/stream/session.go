package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fieldgate/fieldgate/pkg/model"
)

// controlMessage is what clients send: subscribe/unsubscribe to tag external
// ids, or subscribe to every tag behind a dashboard.
type controlMessage struct {
	Type      string   `json:"type"`
	Tags      []string `json:"tags,omitempty"`
	Dashboard string   `json:"dashboard,omitempty"`
}

// updateFrame is the one outbound message shape.
type updateFrame struct {
	Type string          `json:"type"`
	Data model.ChangeSet `json:"data"`
}

// Session is one websocket client. The read pump owns inbound control
// messages, the write pump owns the socket for writes; Broadcast only ever
// touches the send channel.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mtx       sync.Mutex
	subs      map[string]struct{}
	closed    bool
	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn) *Session {
	return &Session{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		subs: map[string]struct{}{},
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.hub.unregister(s)
		// The closed flag keeps a concurrent Broadcast from racing the
		// channel close.
		s.mtx.Lock()
		s.closed = true
		s.mtx.Unlock()
		close(s.send)
	})
}

// offer filters the tick's change set to the session's subscription and
// queues one message. A full send buffer drops the message; the socket is
// never allowed to stall the tick.
func (s *Session) offer(events model.ChangeSet) (sent, dropped bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return false, false
	}

	var data model.ChangeSet
	for id := range s.subs {
		if ev, ok := events[id]; ok {
			if data == nil {
				data = make(model.ChangeSet, len(s.subs))
			}
			data[id] = ev
		}
	}
	if len(data) == 0 {
		return false, false
	}

	payload, err := json.Marshal(updateFrame{Type: "tag_update", Data: data})
	if err != nil {
		level.Error(s.hub.logger).Log("msg", "change frame does not marshal", "err", err)
		return false, false
	}

	select {
	case s.send <- payload:
		return true, false
	default:
		return false, true
	}
}

func (s *Session) subscribe(ids ...string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, id := range ids {
		s.subs[id] = struct{}{}
	}
}

func (s *Session) unsubscribe(ids ...string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, id := range ids {
		delete(s.subs, id)
	}
}

// readPump consumes control messages until the peer goes away, then tears
// the session down.
func (s *Session) readPump() {
	defer func() {
		s.close()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(s.hub.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				level.Debug(s.hub.logger).Log("msg", "websocket session dropped", "err", err)
			}
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			level.Debug(s.hub.logger).Log("msg", "bad control message", "err", err)
			continue
		}
		s.handleControl(msg)
	}
}

func (s *Session) handleControl(msg controlMessage) {
	switch msg.Type {
	case "subscribe":
		s.subscribe(msg.Tags...)
	case "unsubscribe":
		s.unsubscribe(msg.Tags...)
	case "subscribe_dashboard":
		dashID, err := uuid.Parse(msg.Dashboard)
		if err != nil {
			level.Debug(s.hub.logger).Log("msg", "bad dashboard id", "dashboard", msg.Dashboard, "err", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tagIDs, err := s.hub.resolver.WidgetTagIDs(ctx, dashID)
		if err != nil {
			level.Warn(s.hub.logger).Log("msg", "dashboard subscription failed", "dashboard", msg.Dashboard, "err", err)
			return
		}
		ids := make([]string, 0, len(tagIDs))
		for _, id := range tagIDs {
			ids = append(ids, id.String())
		}
		s.subscribe(ids...)
	default:
		level.Debug(s.hub.logger).Log("msg", "unknown control message", "type", msg.Type)
	}
}

// writePump owns all writes on the socket: queued change frames plus
// keepalive pings. It exits when the send channel closes or a write fails.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
