package stream

import (
	"context"
	"encoding/json"
	"flag"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/fieldgate/pkg/model"
	"github.com/fieldgate/fieldgate/pkg/value"
)

type fakeResolver struct {
	tags map[uuid.UUID][]uuid.UUID
}

func (f *fakeResolver) WidgetTagIDs(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return f.tags[id], nil
}

func newTestHub(t *testing.T, resolver DashboardResolver) *Hub {
	t.Helper()
	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	if resolver == nil {
		resolver = &fakeResolver{}
	}
	h, err := NewHub(cfg, resolver, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.stopping(nil) })
	return h
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitForSubscription blocks until the hub's only session carries id.
func waitForSubscription(t *testing.T, h *Hub, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mtx.Lock()
		defer h.mtx.Unlock()
		for s := range h.sessions {
			s.mtx.Lock()
			_, ok := s.subs[id]
			s.mtx.Unlock()
			if ok {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func readFrame(t *testing.T, conn *websocket.Conn) updateFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame updateFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func TestBroadcastFiltersToSubscription(t *testing.T) {
	h := newTestHub(t, nil)
	conn := dial(t, h)

	subscribed := uuid.New().String()
	other := uuid.New().String()
	require.NoError(t, conn.WriteJSON(controlMessage{Type: "subscribe", Tags: []string{subscribed}}))
	waitForSubscription(t, h, subscribed)

	now := time.Now()
	h.Broadcast(model.ChangeSet{
		subscribed: {Value: value.Float(3.14), Time: now, AgeMS: 2},
		other:      {Value: value.Uint(9), Time: now, AgeMS: 2},
	})

	frame := readFrame(t, conn)
	assert.Equal(t, "tag_update", frame.Type)
	require.Contains(t, frame.Data, subscribed)
	assert.NotContains(t, frame.Data, other)

	f, err := frame.Data[subscribed].Value.AsFloat64()
	require.NoError(t, err)
	assert.InDelta(t, 3.14, f, 0.0001)
	assert.Nil(t, frame.Data[subscribed].Alarm)
}

func TestBroadcastSkipsUnrelatedSessions(t *testing.T) {
	h := newTestHub(t, nil)
	conn := dial(t, h)

	mine := uuid.New().String()
	require.NoError(t, conn.WriteJSON(controlMessage{Type: "subscribe", Tags: []string{mine}}))
	waitForSubscription(t, h, mine)

	// Nothing this session cares about: no frame at all.
	h.Broadcast(model.ChangeSet{
		uuid.New().String(): {Value: value.Uint(1), Time: time.Now()},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub(t, nil)
	conn := dial(t, h)

	id := uuid.New().String()
	require.NoError(t, conn.WriteJSON(controlMessage{Type: "subscribe", Tags: []string{id}}))
	waitForSubscription(t, h, id)

	h.Broadcast(model.ChangeSet{id: {Value: value.Uint(1), Time: time.Now()}})
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "unsubscribe", Tags: []string{id}}))
	require.Eventually(t, func() bool {
		h.mtx.Lock()
		defer h.mtx.Unlock()
		for s := range h.sessions {
			s.mtx.Lock()
			_, ok := s.subs[id]
			s.mtx.Unlock()
			if ok {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	h.Broadcast(model.ChangeSet{id: {Value: value.Uint(2), Time: time.Now()}})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestSubscribeDashboard(t *testing.T) {
	dashID := uuid.New()
	tagID := uuid.New()
	h := newTestHub(t, &fakeResolver{tags: map[uuid.UUID][]uuid.UUID{dashID: {tagID}}})
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "subscribe_dashboard", Dashboard: dashID.String()}))
	waitForSubscription(t, h, tagID.String())

	h.Broadcast(model.ChangeSet{tagID.String(): {Value: value.Bool(true), Time: time.Now()}})
	frame := readFrame(t, conn)
	require.Contains(t, frame.Data, tagID.String())
}

func TestSlowSessionDropsInsteadOfBlocking(t *testing.T) {
	h := newTestHub(t, nil)
	h.cfg.SendBuffer = 1

	// A detached session: nothing drains its queue.
	s := newSession(h, nil)
	id := uuid.New().String()
	s.subscribe(id)

	events := model.ChangeSet{id: {Value: value.Uint(1), Time: time.Now()}}
	sent, dropped := s.offer(events)
	assert.True(t, sent)
	assert.False(t, dropped)

	sent, dropped = s.offer(events)
	assert.False(t, sent)
	assert.True(t, dropped)

	// Unsubscribed events fall through without touching the queue.
	sent, dropped = s.offer(model.ChangeSet{uuid.New().String(): {Value: value.Uint(2), Time: time.Now()}})
	assert.False(t, sent)
	assert.False(t, dropped)
}
