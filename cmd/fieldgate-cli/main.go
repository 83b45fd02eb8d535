package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
	dslog "github.com/grafana/dskit/log"

	"github.com/fieldgate/fieldgate/modules/store"
	"github.com/fieldgate/fieldgate/pkg/util/log"
	"github.com/fieldgate/fieldgate/pkg/value"
)

type globalOptions struct {
	DB string `help:"Path to the SQLite database file." default:"fieldgate.db"`
}

var cli struct {
	globalOptions

	Decode decodeCmd `cmd:"" help:"Decode raw register words into a typed value."`
	Encode encodeCmd `cmd:"" help:"Encode a typed value into register words."`
	Plan   planCmd   `cmd:"" help:"Show the read blocks planned for a device."`

	Devices struct {
		List deviceListCmd `cmd:"" help:"List configured devices."`
	} `cmd:"" help:"Device operations."`

	Tags struct {
		List tagListCmd `cmd:"" help:"List a device's tags."`
	} `cmd:"" help:"Tag operations."`

	Write struct {
		Enqueue writeEnqueueCmd `cmd:"" help:"Queue a tag write for the next tick."`
	} `cmd:"" help:"Write queue operations."`

	Seed struct {
		Demo seedDemoCmd `cmd:"" help:"Create a demo device with tags, alarms and a dashboard."`
	} `cmd:"" help:"Development seeding."`
}

func main() {
	var lvl dslog.Level
	_ = lvl.Set("error")
	log.InitLogger("logfmt", lvl)

	ctx := kong.Parse(&cli, kong.UsageOnError())
	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}

func openStore(g *globalOptions) (*store.Store, error) {
	cfg := store.Config{
		Path:        g.DB,
		BusyTimeout: 5 * time.Second,
	}
	return store.Open(cfg, log.Logger)
}

// parseWords accepts decimal or 0x-prefixed register words.
func parseWords(args []string) ([]uint16, error) {
	words := make([]uint16, 0, len(args))
	for _, arg := range args {
		w, err := strconv.ParseUint(arg, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("bad register word %q: %w", arg, err)
		}
		words = append(words, uint16(w))
	}
	return words, nil
}

// parseValue reads the argument as JSON first so numbers, bools and lists
// come through typed; anything that does not parse is taken as a string.
func parseValue(arg string) value.Value {
	if v, err := value.FromJSON([]byte(arg)); err == nil {
		return v
	}
	return value.String(arg)
}

func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
