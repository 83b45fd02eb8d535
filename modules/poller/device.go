package poller

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldgate/fieldgate/pkg/blockplan"
	"github.com/fieldgate/fieldgate/pkg/modbus"
	"github.com/fieldgate/fieldgate/pkg/model"
	"github.com/fieldgate/fieldgate/pkg/regcodec"
	"github.com/fieldgate/fieldgate/pkg/value"
)

var (
	metricConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "poller",
		Name:      "connects_total",
		Help:      "Device connect attempts, by result.",
	}, []string{"result"})
	metricDevicesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "poller",
		Name:      "devices_skipped_total",
		Help:      "Device ticks skipped inside a backoff quarantine window.",
	})
	metricBlockReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "poller",
		Name:      "block_reads_total",
		Help:      "Block read transactions, by result.",
	}, []string{"result"})
	metricWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "poller",
		Name:      "writes_total",
		Help:      "Write request dispositions, by result.",
	}, []string{"result"})
	metricTagDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "poller",
		Name:      "tag_decode_errors_total",
		Help:      "Tags skipped because their payload slice failed to decode.",
	})
)

// deviceResult is what one device work unit stages for the tick commit.
// Instances are merged into the tick context after the fan-out joins.
type deviceResult struct {
	readTags     []*model.Tag
	updated      []*model.Tag
	readAt       map[int64]time.Time
	dispositions []model.WriteDisposition
}

// pollDevice runs one device's share of a tick: supervisor gate, lazy
// connect, write drain, then planned block reads. Strictly in that order;
// a transport error aborts the rest of the device's tick but keeps whatever
// was staged before it.
func (e *Engine) pollDevice(ctx context.Context, dev *model.Device, st *deviceState, now time.Time) *deviceResult {
	res := &deviceResult{readAt: map[int64]time.Time{}}

	if st.gate(now) {
		metricDevicesSkipped.Inc()
		return res
	}

	if st.client == nil {
		if !e.connect(ctx, dev, st, now) {
			return res
		}
	}

	if err := e.drainWrites(ctx, dev, st.client, res); err != nil {
		level.Warn(e.logger).Log("msg", "transport error during write drain, dropping connection",
			"device", dev.Alias, "err", err)
		st.dropConnection()
		return res
	}

	blocks := blockplan.Plan(dev.Tags, e.limits)
	for _, block := range blocks {
		err := e.pollBlock(ctx, dev, st.client, block, res)
		if err == nil {
			metricBlockReads.WithLabelValues("ok").Inc()
			continue
		}
		if pe, ok := modbus.AsProtocolError(err); ok {
			// The device rejected this block; its siblings still run.
			metricBlockReads.WithLabelValues("protocol_error").Inc()
			level.Warn(e.logger).Log("msg", "device rejected block read", "device", dev.Alias,
				"channel", block.Channel, "start", block.Start, "length", block.Length, "err", pe)
			continue
		}
		metricBlockReads.WithLabelValues("transport_error").Inc()
		level.Warn(e.logger).Log("msg", "transport error during block read, dropping connection",
			"device", dev.Alias, "err", err)
		st.dropConnection()
		break
	}
	return res
}

func (e *Engine) connect(ctx context.Context, dev *model.Device, st *deviceState, now time.Time) bool {
	timeout := e.cfg.OpTimeout
	if dev.OpTimeout > 0 {
		timeout = dev.OpTimeout
	}
	client, err := modbus.New(modbus.Config{
		Network:  string(dev.Protocol),
		Endpoint: dev.Endpoint(),
		Timeout:  timeout,
	})
	if err == nil {
		err = client.Connect(ctx)
	}
	if err != nil {
		delay := st.connectFailed(now)
		metricConnects.WithLabelValues("error").Inc()
		level.Warn(e.logger).Log("msg", "device connect failed", "device", dev.Alias,
			"endpoint", dev.Endpoint(), "failures", st.failures, "retry_in", delay, "err", err)
		return false
	}
	st.client = client
	st.connected()
	metricConnects.WithLabelValues("ok").Inc()
	level.Info(e.logger).Log("msg", "device connected", "device", dev.Alias, "endpoint", dev.Endpoint())
	return true
}

// drainWrites delivers the device's pending write requests in submission
// order. Coercion failures, read-only targets and device rejections dispose
// the request without retry; only transport errors propagate, leaving the
// remaining requests queued for the next tick.
func (e *Engine) drainWrites(ctx context.Context, dev *model.Device, client modbus.Client, res *deviceResult) error {
	requests, err := e.store.PendingWriteRequests(ctx, dev.ID)
	if err != nil {
		// Store hiccup: skip the drain, still poll.
		level.Error(e.logger).Log("msg", "loading pending writes failed", "device", dev.Alias, "err", err)
		return nil
	}

	for _, req := range requests {
		result, err := e.dispatchWrite(ctx, dev, client, req)
		if err != nil {
			return err
		}
		res.dispositions = append(res.dispositions, model.WriteDisposition{RequestID: req.ID, Result: result})
		metricWrites.WithLabelValues(string(result)).Inc()
		if result != model.WriteOK {
			level.Warn(e.logger).Log("msg", "write request refused", "device", dev.Alias,
				"tag", req.Tag.Alias, "request", req.ID, "result", result)
		}
	}
	return nil
}

func (e *Engine) dispatchWrite(ctx context.Context, dev *model.Device, client modbus.Client, req *model.TagWriteRequest) (model.WriteResult, error) {
	tag := req.Tag
	if !tag.Channel.Writable() {
		return model.WriteReadOnly, nil
	}

	var err error
	switch {
	case tag.Channel == model.ChannelCoil:
		err = e.writeCoil(ctx, client, tag, req.Value)
	case tag.IsBitIndexed():
		var on bool
		if on, err = req.Value.AsBool(); err == nil {
			// The only race-free way to flip one bit of a shared word.
			and, or := regcodec.MaskForBit(*tag.BitIndex, on)
			err = client.MaskWriteRegister(ctx, tag.UnitID, tag.Address, and, or)
		}
	default:
		var words []uint16
		if words, err = regcodec.EncodePayload(req.Value, tag.DataType, dev.WordOrder, tag.ReadAmount); err == nil {
			if len(words) == 1 {
				err = client.WriteRegister(ctx, tag.UnitID, tag.Address, words[0])
			} else {
				err = client.WriteRegisters(ctx, tag.UnitID, tag.Address, words)
			}
		}
	}

	if err != nil {
		if isCoercionError(err) {
			level.Warn(e.logger).Log("msg", "write payload does not coerce", "tag", tag.Alias, "err", err)
			return model.WriteCoercionError, nil
		}
		if pe, ok := modbus.AsProtocolError(err); ok {
			// The request reached the device and was rejected; no retry.
			level.Warn(e.logger).Log("msg", "device rejected write", "tag", tag.Alias, "err", pe)
			return model.WriteProtocolError, nil
		}
		return "", err
	}
	return model.WriteOK, nil
}

// isCoercionError separates payload-shape failures from transport failures.
func isCoercionError(err error) bool {
	var kindErr *value.KindError
	var rangeErr *value.RangeError
	var encRangeErr *regcodec.RangeError
	var lengthErr *regcodec.LengthError
	return errors.As(err, &kindErr) || errors.As(err, &rangeErr) ||
		errors.As(err, &encRangeErr) || errors.As(err, &lengthErr)
}

func (e *Engine) writeCoil(ctx context.Context, client modbus.Client, tag *model.Tag, v value.Value) error {
	if tag.ReadAmount == 1 {
		on, err := v.AsBool()
		if err != nil {
			return err
		}
		return client.WriteCoil(ctx, tag.UnitID, tag.Address, on)
	}
	items := v.Items()
	if len(items) != tag.ReadAmount {
		return &regcodec.LengthError{Type: tag.DataType, Want: tag.ReadAmount, Have: len(items)}
	}
	bits := make([]bool, len(items))
	for i, item := range items {
		on, err := item.AsBool()
		if err != nil {
			return err
		}
		bits[i] = on
	}
	return client.WriteCoils(ctx, tag.UnitID, tag.Address, bits)
}
