package main

import (
	"fmt"
	"time"

	"github.com/fieldgate/fieldgate/pkg/model"
	"github.com/fieldgate/fieldgate/pkg/value"
)

// seedDemoCmd fills an empty database with a device, a register map, alarm
// rules and a dashboard so the server has something to poll out of the box.
// Pair it with any Modbus simulator listening on 127.0.0.1:5020.
type seedDemoCmd struct {
	Host string `help:"Demo device host." default:"127.0.0.1"`
	Port int    `help:"Demo device port." default:"5020"`
}

func (cmd *seedDemoCmd) Run(g *globalOptions) error {
	st, err := openStore(g)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := cliContext()
	defer cancel()

	device := &model.Device{
		Alias:     "plc-demo",
		Host:      cmd.Host,
		Port:      cmd.Port,
		Protocol:  model.ProtocolTCP,
		WordOrder: model.WordOrderBig,
		IsActive:  true,
	}
	if err := st.CreateDevice(ctx, device); err != nil {
		return err
	}

	tags := []*model.Tag{
		{
			DeviceID: device.ID, Alias: "boiler_temperature",
			Channel: model.ChannelHoldingRegister, DataType: model.TypeFloat32,
			Address: 10, ReadAmount: 1,
			HistoryInterval: 5 * time.Second, HistoryRetention: 24 * time.Hour,
			IsActive: true,
		},
		{
			DeviceID: device.ID, Alias: "line_pressure",
			Channel: model.ChannelHoldingRegister, DataType: model.TypeUint16,
			Address: 12, ReadAmount: 1,
			HistoryInterval: 5 * time.Second, HistoryRetention: 24 * time.Hour,
			IsActive: true,
		},
		{
			DeviceID: device.ID, Alias: "motor_rpm",
			Channel: model.ChannelInputRegister, DataType: model.TypeUint32,
			Address: 0, ReadAmount: 1,
			IsActive: true,
		},
		{
			DeviceID: device.ID, Alias: "pump_running",
			Channel: model.ChannelCoil, DataType: model.TypeBool,
			Address: 0, ReadAmount: 1,
			IsActive: true,
		},
		{
			DeviceID: device.ID, Alias: "door_open",
			Channel: model.ChannelDiscreteInput, DataType: model.TypeBool,
			Address: 4, ReadAmount: 1,
			IsActive: true,
		},
		{
			DeviceID: device.ID, Alias: "fault_overtemp",
			Channel: model.ChannelHoldingRegister, DataType: model.TypeBool,
			Address: 20, BitIndex: model.Bit(0), ReadAmount: 1,
			IsActive: true,
		},
		{
			DeviceID: device.ID, Alias: "fault_lowflow",
			Channel: model.ChannelHoldingRegister, DataType: model.TypeBool,
			Address: 20, BitIndex: model.Bit(1), ReadAmount: 1,
			IsActive: true,
		},
		{
			DeviceID: device.ID, Alias: "batch_label",
			Channel: model.ChannelHoldingRegister, DataType: model.TypeString,
			Address: 30, ReadAmount: 8,
			RestrictedWrite: true,
			IsActive:        true,
		},
	}
	for _, t := range tags {
		if err := st.CreateTag(ctx, t); err != nil {
			return fmt.Errorf("tag %s: %w", t.Alias, err)
		}
	}

	overtemp := &model.AlarmConfig{
		TagID:                tags[0].ID,
		Alias:                "boiler-overtemp",
		Message:              "Boiler temperature above 80C",
		Operator:             model.OpGreaterThan,
		TriggerValue:         value.Float(80),
		ThreatLevel:          model.ThreatCrit,
		Enabled:              true,
		NotificationCooldown: 5 * time.Minute,
	}
	warmtemp := &model.AlarmConfig{
		TagID:                tags[0].ID,
		Alias:                "boiler-warm",
		Message:              "Boiler temperature above 60C",
		Operator:             model.OpGreaterThan,
		TriggerValue:         value.Float(60),
		ThreatLevel:          model.ThreatLow,
		Enabled:              true,
		NotificationCooldown: 30 * time.Minute,
	}
	doorAlarm := &model.AlarmConfig{
		TagID:        tags[4].ID,
		Alias:        "door-open",
		Message:      "Cabinet door open",
		Operator:     model.OpEquals,
		TriggerValue: value.Bool(true),
		ThreatLevel:  model.ThreatHigh,
		Enabled:      true,
	}
	for _, c := range []*model.AlarmConfig{overtemp, warmtemp, doorAlarm} {
		if err := st.CreateAlarmConfig(ctx, c); err != nil {
			return fmt.Errorf("alarm %s: %w", c.Alias, err)
		}
	}

	if err := st.CreateSubscription(ctx, &model.AlarmSubscription{
		ConfigID: overtemp.ID,
		Email:    "ops@example.com",
		Enabled:  true,
	}); err != nil {
		return err
	}

	dashboard := &model.Dashboard{Name: "demo"}
	if err := st.CreateDashboard(ctx, dashboard); err != nil {
		return err
	}
	widgets := []*model.DashboardWidget{
		{DashboardID: dashboard.ID, WidgetType: "gauge", TagID: tags[0].ID},
		{DashboardID: dashboard.ID, WidgetType: "gauge", TagID: tags[1].ID},
		{DashboardID: dashboard.ID, WidgetType: "led", TagID: tags[3].ID},
		{DashboardID: dashboard.ID, WidgetType: "led", TagID: tags[5].ID},
	}
	for _, w := range widgets {
		if err := st.CreateWidget(ctx, w); err != nil {
			return err
		}
	}

	fmt.Printf("seeded device %s (%s) with %d tags, 3 alarms and dashboard %s\n",
		device.Alias, device.Endpoint(), len(tags), dashboard.ExternalID)
	return nil
}
