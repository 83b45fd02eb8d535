package stream

import (
	"flag"
	"fmt"
	"time"
)

// Config tunes the websocket fan-out.
type Config struct {
	// SendBuffer is the per-session outbound queue, in messages. A session
	// whose queue is full gets messages dropped, never a blocked broadcast.
	SendBuffer int `yaml:"send_buffer"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`

	// ReadLimit caps inbound control frames, in bytes.
	ReadLimit int64 `yaml:"read_limit"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.SendBuffer = 16
	cfg.WriteTimeout = 10 * time.Second
	cfg.PingInterval = 30 * time.Second
	cfg.PongWait = 60 * time.Second
	cfg.ReadLimit = 64 * 1024

	f.IntVar(&cfg.SendBuffer, prefix+"stream.send-buffer", cfg.SendBuffer, "Outbound message buffer per websocket session.")
	f.DurationVar(&cfg.WriteTimeout, prefix+"stream.write-timeout", cfg.WriteTimeout, "Websocket write deadline.")
	f.DurationVar(&cfg.PingInterval, prefix+"stream.ping-interval", cfg.PingInterval, "Websocket keepalive ping interval.")
	f.DurationVar(&cfg.PongWait, prefix+"stream.pong-wait", cfg.PongWait, "How long to wait for a pong before dropping a session.")
	f.Int64Var(&cfg.ReadLimit, prefix+"stream.read-limit", cfg.ReadLimit, "Largest accepted inbound websocket message, in bytes.")
}

func (cfg *Config) Validate() error {
	if cfg.SendBuffer < 1 {
		return fmt.Errorf("stream send buffer must be at least 1")
	}
	if cfg.WriteTimeout <= 0 || cfg.PingInterval <= 0 || cfg.PongWait <= 0 {
		return fmt.Errorf("stream timeouts must be positive")
	}
	if cfg.PingInterval >= cfg.PongWait {
		return fmt.Errorf("stream ping interval must be shorter than the pong wait")
	}
	if cfg.ReadLimit < 256 {
		return fmt.Errorf("stream read limit must be at least 256 bytes")
	}
	return nil
}
