package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/nats-io/nats.go"
	"go.uber.org/atomic"

	"github.com/fieldgate/fieldgate/pkg/model"
)

// NATSNotifier publishes intents as JSON messages on one subject. The
// delivery collaborator subscribes there and owns everything past the
// broker: templating, email, SMS, escalation.
type NATSNotifier struct {
	services.Service

	cfg    Config
	logger log.Logger
	// conn is set by starting while the engine may already be ticking.
	conn atomic.Pointer[nats.Conn]
}

func NewNATSNotifier(cfg Config, logger log.Logger) (*NATSNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &NATSNotifier{cfg: cfg, logger: logger}
	n.Service = services.NewIdleService(n.starting, n.stopping)
	return n, nil
}

// starting dials the broker, retrying with backoff so the engine and a
// co-scheduled NATS server may come up in any order.
func (n *NATSNotifier) starting(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
	defer cancel()

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
	})
	var lastErr error
	for boff.Ongoing() {
		conn, err := nats.Connect(n.cfg.URL,
			nats.Name("fieldgate-notifier"),
			nats.MaxReconnects(-1),
		)
		if err == nil {
			n.conn.Store(conn)
			level.Info(n.logger).Log("msg", "connected to notification broker", "url", n.cfg.URL, "subject", n.cfg.Subject)
			return nil
		}
		lastErr = err
		level.Warn(n.logger).Log("msg", "notification broker connect failed, retrying", "err", err)
		boff.Wait()
	}
	return fmt.Errorf("connect to notification broker: %w", lastErr)
}

func (n *NATSNotifier) stopping(_ error) error {
	conn := n.conn.Load()
	if conn == nil {
		return nil
	}
	// Drain flushes buffered publishes before closing.
	return conn.Drain()
}

// Send publishes each intent. Failures are logged and dropped; alarm rows
// are already committed, so a lost intent never corrupts state, it just
// misses one notification window.
func (n *NATSNotifier) Send(_ context.Context, intents []model.NotificationIntent) {
	if len(intents) == 0 {
		return
	}
	conn := n.conn.Load()
	if conn == nil {
		for range intents {
			metricIntents.WithLabelValues("dropped").Inc()
		}
		level.Warn(n.logger).Log("msg", "broker not connected, dropping intents", "count", len(intents))
		return
	}
	for _, intent := range intents {
		payload, err := json.Marshal(intent)
		if err != nil {
			metricIntents.WithLabelValues("error").Inc()
			level.Error(n.logger).Log("msg", "intent does not marshal", "err", err)
			continue
		}
		if err := conn.Publish(n.cfg.Subject, payload); err != nil {
			metricIntents.WithLabelValues("error").Inc()
			level.Warn(n.logger).Log("msg", "intent publish failed", "config", intent.ConfigExternalID, "err", err)
			continue
		}
		metricIntents.WithLabelValues("published").Inc()
	}
}
