// Package blockplan groups a device's tags into the minimal set of contiguous
// reads. Planning is pure CPU; the poller executes the resulting blocks in
// order, one transport read per block.
package blockplan

import (
	"sort"

	"github.com/fieldgate/fieldgate/pkg/model"
)

// Limits bound how far a block may stretch. Gaps are dead addresses read and
// discarded to save a round-trip; size caps single-transaction latency.
// Register limits count 16-bit words, bit limits count coils/inputs.
type Limits struct {
	RegisterMaxGap  int
	RegisterMaxSize int
	BitMaxGap       int
	BitMaxSize      int
}

// DefaultLimits stays under the standard Modbus per-read caps
// (125 registers, 2000 bits).
func DefaultLimits() Limits {
	return Limits{
		RegisterMaxGap:  8,
		RegisterMaxSize: 128,
		BitMaxGap:       128,
		BitMaxSize:      2000,
	}
}

// Block is one contiguous read: Length words or bits starting at Start,
// covering Tags.
type Block struct {
	Channel model.Channel
	UnitID  uint8
	Start   uint16
	Length  int
	Tags    []*model.Tag
}

type partKey struct {
	channel model.Channel
	unit    uint8
}

func channelRank(c model.Channel) int {
	switch c {
	case model.ChannelCoil:
		return 0
	case model.ChannelDiscreteInput:
		return 1
	case model.ChannelHoldingRegister:
		return 2
	default:
		return 3
	}
}

// Plan partitions tags by (channel, unit id), sorts each partition by
// address and sweeps it into blocks. Every input tag lands in exactly one
// block. A single tag wider than the size cap gets a dedicated oversized
// block; tags cannot split across reads.
func Plan(tags []*model.Tag, limits Limits) []Block {
	parts := make(map[partKey][]*model.Tag)
	for _, t := range tags {
		k := partKey{channel: t.Channel, unit: t.UnitID}
		parts[k] = append(parts[k], t)
	}

	keys := make([]partKey, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := channelRank(keys[i].channel), channelRank(keys[j].channel)
		if ri != rj {
			return ri < rj
		}
		return keys[i].unit < keys[j].unit
	})

	var blocks []Block
	for _, k := range keys {
		maxGap, maxSize := limits.RegisterMaxGap, limits.RegisterMaxSize
		if k.channel.IsBit() {
			maxGap, maxSize = limits.BitMaxGap, limits.BitMaxSize
		}
		blocks = append(blocks, sweep(k, parts[k], maxGap, maxSize)...)
	}
	return blocks
}

func sweep(k partKey, tags []*model.Tag, maxGap, maxSize int) []Block {
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Address != tags[j].Address {
			return tags[i].Address < tags[j].Address
		}
		return tags[i].ID < tags[j].ID
	})

	var (
		blocks   []Block
		cur      *Block
		curStart int
		curEnd   int
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Length = curEnd - curStart
		blocks = append(blocks, *cur)
		cur = nil
	}

	for _, t := range tags {
		addr, rc := int(t.Address), t.ReadCount()
		if cur != nil && (addr-curEnd > maxGap || addr+rc-curStart > maxSize) {
			flush()
		}
		if cur == nil {
			cur = &Block{Channel: k.channel, UnitID: k.unit, Start: t.Address}
			curStart, curEnd = addr, addr+rc
		} else if addr+rc > curEnd {
			// max() keeps fully-overlapped bit-indexed tags from shrinking
			// the block.
			curEnd = addr + rc
		}
		cur.Tags = append(cur.Tags, t)
	}
	flush()
	return blocks
}
