package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/fieldgate/fieldgate/pkg/blockplan"
	"github.com/fieldgate/fieldgate/pkg/model"
)

type planCmd struct {
	Device string `help:"Device alias." required:""`

	MaxGap      int `help:"Largest dead-register gap a block may bridge." default:"8"`
	MaxSize     int `help:"Largest register block, in words." default:"128"`
	CoilMaxGap  int `help:"Largest dead-coil gap a block may bridge." default:"128"`
	CoilMaxSize int `help:"Largest coil block, in bits." default:"2000"`
}

func (cmd *planCmd) Run(g *globalOptions) error {
	st, err := openStore(g)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := cliContext()
	defer cancel()

	device, err := st.DeviceByAlias(ctx, cmd.Device)
	if err != nil {
		return err
	}
	tags, err := st.ListTags(ctx, device.ID)
	if err != nil {
		return err
	}

	active := make([]*model.Tag, 0, len(tags))
	for _, t := range tags {
		if t.IsActive {
			active = append(active, t)
		}
	}

	blocks := blockplan.Plan(active, blockplan.Limits{
		RegisterMaxGap:  cmd.MaxGap,
		RegisterMaxSize: cmd.MaxSize,
		BitMaxGap:       cmd.CoilMaxGap,
		BitMaxSize:      cmd.CoilMaxSize,
	})

	w := tablewriter.NewWriter(os.Stdout)
	w.Header("channel", "unit", "start", "length", "tags")
	for _, b := range blocks {
		aliases := make([]string, 0, len(b.Tags))
		for _, t := range b.Tags {
			aliases = append(aliases, t.Alias)
		}
		_ = w.Append([]string{
			string(b.Channel),
			strconv.Itoa(int(b.UnitID)),
			strconv.Itoa(int(b.Start)),
			strconv.Itoa(b.Length),
			strings.Join(aliases, ", "),
		})
	}
	return w.Render()
}
