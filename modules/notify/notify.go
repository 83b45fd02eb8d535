// Package notify hands notification intents to the delivery collaborator.
// The core never sends email or SMS itself; it publishes intents to NATS
// when a broker is configured and logs them otherwise.
package notify

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldgate/fieldgate/pkg/model"
)

var metricIntents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fieldgate",
	Subsystem: "notify",
	Name:      "intents_total",
	Help:      "Notification intents handed to the sink, by result.",
}, []string{"result"})

// Config selects and tunes the intent sink.
type Config struct {
	// URL of the NATS server. Empty disables the broker; intents go to the
	// log instead.
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Subject = "fieldgate.notifications"
	cfg.ConnectTimeout = 30 * time.Second

	f.StringVar(&cfg.URL, prefix+"notify.url", cfg.URL, "NATS server URL for notification intents. Empty logs intents instead.")
	f.StringVar(&cfg.Subject, prefix+"notify.subject", cfg.Subject, "NATS subject notification intents are published to.")
	f.DurationVar(&cfg.ConnectTimeout, prefix+"notify.connect-timeout", cfg.ConnectTimeout, "How long to keep retrying the initial NATS connect.")
}

func (cfg *Config) Validate() error {
	if cfg.URL != "" && cfg.Subject == "" {
		return fmt.Errorf("notify subject must not be empty when a NATS URL is set")
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("notify connect timeout must be positive")
	}
	return nil
}

// LogNotifier is the fallback sink: intents land in the log and nowhere
// else. Useful in development and when no delivery collaborator runs.
type LogNotifier struct {
	logger log.Logger
}

func NewLogNotifier(logger log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, intents []model.NotificationIntent) {
	for _, intent := range intents {
		metricIntents.WithLabelValues("logged").Inc()
		level.Info(n.logger).Log("msg", "notification intent",
			"config", intent.ConfigExternalID, "tag", intent.TagExternalID,
			"threat_level", intent.ThreatLevel, "message", intent.Message,
			"recipients", len(intent.Recipients))
	}
}
