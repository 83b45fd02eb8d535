package poller

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/fieldgate/fieldgate/pkg/blockplan"
	"github.com/fieldgate/fieldgate/pkg/modbus"
	"github.com/fieldgate/fieldgate/pkg/model"
	"github.com/fieldgate/fieldgate/pkg/regcodec"
	"github.com/fieldgate/fieldgate/pkg/value"
)

// pollBlock executes one planned read and slices the payload to the block's
// tags. Returned errors are transport or protocol failures from the read
// itself; per-tag decode problems are logged and skipped so one bad tag never
// costs its neighbours the tick.
func (e *Engine) pollBlock(ctx context.Context, dev *model.Device, client modbus.Client, block blockplan.Block, res *deviceResult) error {
	readAt := time.Now()

	switch block.Channel {
	case model.ChannelHoldingRegister, model.ChannelInputRegister:
		read := client.ReadHoldingRegisters
		if block.Channel == model.ChannelInputRegister {
			read = client.ReadInputRegisters
		}
		words, err := read(ctx, block.UnitID, block.Start, uint16(block.Length))
		if err != nil {
			return err
		}
		e.evaluateRegisterTags(dev, block, words, readAt, res)
	case model.ChannelCoil, model.ChannelDiscreteInput:
		read := client.ReadCoils
		if block.Channel == model.ChannelDiscreteInput {
			read = client.ReadDiscreteInputs
		}
		bits, err := read(ctx, block.UnitID, block.Start, uint16(block.Length))
		if err != nil {
			return err
		}
		e.evaluateBitTags(block, bits, readAt, res)
	default:
		level.Error(e.logger).Log("msg", "block on unknown channel, skipping",
			"device", dev.Alias, "channel", block.Channel)
	}
	return nil
}

func (e *Engine) evaluateRegisterTags(dev *model.Device, block blockplan.Block, words []uint16, readAt time.Time, res *deviceResult) {
	for _, tag := range block.Tags {
		offset := int(tag.Address) - int(block.Start)
		length := tag.ReadCount()
		if offset < 0 || offset+length > len(words) {
			level.Error(e.logger).Log("msg", "tag span overflows its block, skipping",
				"device", dev.Alias, "tag", tag.Alias, "offset", offset, "length", length, "payload", len(words))
			continue
		}

		var v value.Value
		if tag.IsBitIndexed() {
			v = value.Bool(regcodec.Bit(words[offset], *tag.BitIndex))
		} else {
			var err error
			v, err = regcodec.Decode(words[offset:offset+length], tag.DataType, dev.WordOrder, tag.ReadAmount)
			if err != nil {
				metricTagDecodeErrors.Inc()
				level.Warn(e.logger).Log("msg", "tag payload does not decode, skipping",
					"device", dev.Alias, "tag", tag.Alias, "err", err)
				continue
			}
		}
		res.stage(tag, v, readAt)
	}
}

func (e *Engine) evaluateBitTags(block blockplan.Block, bits []bool, readAt time.Time, res *deviceResult) {
	for _, tag := range block.Tags {
		offset := int(tag.Address) - int(block.Start)
		if offset < 0 || offset+tag.ReadAmount > len(bits) {
			level.Error(e.logger).Log("msg", "tag span overflows its block, skipping",
				"tag", tag.Alias, "offset", offset, "length", tag.ReadAmount, "payload", len(bits))
			continue
		}

		var v value.Value
		if tag.ReadAmount == 1 {
			v = value.Bool(bits[offset])
		} else {
			items := make([]value.Value, tag.ReadAmount)
			for i := 0; i < tag.ReadAmount; i++ {
				items[i] = value.Bool(bits[offset+i])
			}
			v = value.List(items...)
		}
		res.stage(tag, v, readAt)
	}
}

// stage records a successful read and detects change structurally against
// the tag's last committed value.
func (r *deviceResult) stage(tag *model.Tag, v value.Value, readAt time.Time) {
	r.readAt[tag.ID] = readAt
	r.readTags = append(r.readTags, tag)
	if !v.Equal(tag.CurrentValue) {
		tag.CurrentValue = v
		r.updated = append(r.updated, tag)
	}
}
