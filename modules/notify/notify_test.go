package notify

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/fieldgate/pkg/model"
)

func TestConfigValidate(t *testing.T) {
	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	require.NoError(t, cfg.Validate())

	cfg.URL = "nats://localhost:4222"
	cfg.Subject = ""
	require.Error(t, cfg.Validate())
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(log.NewNopLogger())
	// Purely a sink; must accept any batch without side effects.
	n.Send(context.Background(), nil)
	n.Send(context.Background(), []model.NotificationIntent{{
		ConfigExternalID: uuid.New(),
		TagExternalID:    uuid.New(),
		Message:          "too hot",
		ThreatLevel:      model.ThreatCrit,
		Timestamp:        time.Now(),
		Recipients:       []string{"ops@example.com"},
	}})
}
