package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

type deviceListCmd struct{}

func (cmd *deviceListCmd) Run(g *globalOptions) error {
	st, err := openStore(g)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := cliContext()
	defer cancel()

	devices, err := st.ListDevices(ctx)
	if err != nil {
		return err
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.Header("alias", "endpoint", "protocol", "word order", "op timeout", "active")
	for _, d := range devices {
		_ = w.Append([]string{
			d.Alias,
			d.Endpoint(),
			string(d.Protocol),
			string(d.WordOrder),
			d.OpTimeout.String(),
			strconv.FormatBool(d.IsActive),
		})
	}
	return w.Render()
}

type tagListCmd struct {
	Device string `help:"Device alias." required:""`
}

func (cmd *tagListCmd) Run(g *globalOptions) error {
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

	w := tablewriter.NewWriter(os.Stdout)
	w.Header("alias", "id", "unit", "channel", "type", "address", "bit", "amount", "value", "updated")
	for _, t := range tags {
		bit := ""
		if t.BitIndex != nil {
			bit = strconv.Itoa(int(*t.BitIndex))
		}
		updated := ""
		if t.LastUpdated != nil {
			updated = t.LastUpdated.Format("2006-01-02 15:04:05")
		}
		_ = w.Append([]string{
			t.Alias,
			t.ExternalID.String(),
			strconv.Itoa(int(t.UnitID)),
			string(t.Channel),
			string(t.DataType),
			strconv.Itoa(int(t.Address)),
			bit,
			strconv.Itoa(t.ReadAmount),
			t.CurrentValue.Render(),
			updated,
		})
	}
	if err := w.Render(); err != nil {
		return err
	}
	fmt.Printf("%d tags\n", len(tags))
	return nil
}
