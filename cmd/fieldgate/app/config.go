package app

import (
	"flag"
	"fmt"
	"time"

	dslog "github.com/grafana/dskit/log"
	"go.uber.org/multierr"

	"github.com/fieldgate/fieldgate/modules/history"
	"github.com/fieldgate/fieldgate/modules/notify"
	"github.com/fieldgate/fieldgate/modules/poller"
	"github.com/fieldgate/fieldgate/modules/store"
	"github.com/fieldgate/fieldgate/modules/stream"
	"github.com/fieldgate/fieldgate/pkg/util"
)

// Config is the root config for the fieldgate server.
type Config struct {
	HTTPListenAddress string `yaml:"http_listen_address"`
	HTTPListenPort    int    `yaml:"http_listen_port"`

	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	Store   store.Config   `yaml:"store,omitempty"`
	Poller  poller.Config  `yaml:"poller,omitempty"`
	History history.Config `yaml:"history,omitempty"`
	Stream  stream.Config  `yaml:"stream,omitempty"`
	Notify  notify.Config  `yaml:"notify,omitempty"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.HTTPListenAddress = ""
	c.HTTPListenPort = 3200
	c.LogFormat = "logfmt"
	_ = c.LogLevel.Set("info")

	f.StringVar(&c.HTTPListenAddress, "server.http-listen-address", c.HTTPListenAddress, "HTTP server listen address.")
	f.IntVar(&c.HTTPListenPort, "server.http-listen-port", c.HTTPListenPort, "HTTP server listen port.")
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", c.LogFormat, "Log format: logfmt or json.")

	c.Store.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, ""), f)
	c.Poller.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, ""), f)
	c.History.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, ""), f)
	c.Stream.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, ""), f)
	c.Notify.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, ""), f)
}

func (c *Config) Validate() error {
	var errs error
	if c.HTTPListenPort <= 0 || c.HTTPListenPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("http listen port %d out of range", c.HTTPListenPort))
	}
	errs = multierr.Append(errs, c.Store.Validate())
	errs = multierr.Append(errs, c.Poller.Validate())
	errs = multierr.Append(errs, c.History.Validate())
	errs = multierr.Append(errs, c.Stream.Validate())
	errs = multierr.Append(errs, c.Notify.Validate())
	return errs
}

// ConfigWarning bundles a warning message with the reasoning behind it.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig returns warnings for configurations that are legal but
// probably not what the operator wanted.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Poller.BlockMaxSize > 125 {
		warnings = append(warnings, ConfigWarning{
			Message: fmt.Sprintf("poller.block_max_size %d exceeds the 125-register protocol read limit", c.Poller.BlockMaxSize),
			Explain: "Oversized blocks will be rejected at plan time and clamped by the transport",
		})
	}
	if c.Poller.CoilBlockMaxSize > 2000 {
		warnings = append(warnings, ConfigWarning{
			Message: fmt.Sprintf("poller.coil_block_max_size %d exceeds the 2000-coil protocol read limit", c.Poller.CoilBlockMaxSize),
		})
	}
	if c.Poller.PollInterval < c.Poller.OpTimeout {
		warnings = append(warnings, ConfigWarning{
			Message: "poller.poll_interval < poller.op_timeout",
			Explain: "A single slow operation can overrun the tick; expect degraded-cadence warnings",
		})
	}
	if c.Poller.PollInterval < 50*time.Millisecond {
		warnings = append(warnings, ConfigWarning{
			Message: "poller.poll_interval is under 50ms",
			Explain: "Most PLC gateways cannot sustain this cadence over TCP",
		})
	}
	if c.Notify.URL == "" {
		warnings = append(warnings, ConfigWarning{
			Message: "no notification broker configured, intents will only be logged",
		})
	}

	return warnings
}
