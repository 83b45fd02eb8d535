package blockplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/fieldgate/pkg/model"
)

func regTag(id int64, addr uint16) *model.Tag {
	return &model.Tag{
		ID:         id,
		UnitID:     1,
		Channel:    model.ChannelHoldingRegister,
		DataType:   model.TypeUint16,
		Address:    addr,
		ReadAmount: 1,
	}
}

func TestPlanCoalescing(t *testing.T) {
	// Addresses 100,101,102,108 coalesce across the 5-word gap; 140 is too
	// far and gets its own block.
	tags := []*model.Tag{
		regTag(1, 100), regTag(2, 101), regTag(3, 102), regTag(4, 108), regTag(5, 140),
	}
	blocks := Plan(tags, DefaultLimits())
	require.Len(t, blocks, 2)

	assert.Equal(t, uint16(100), blocks[0].Start)
	assert.Equal(t, 9, blocks[0].Length)
	assert.Len(t, blocks[0].Tags, 4)

	assert.Equal(t, uint16(140), blocks[1].Start)
	assert.Equal(t, 1, blocks[1].Length)
	assert.Len(t, blocks[1].Tags, 1)
}

func TestPlanGapBoundary(t *testing.T) {
	limits := DefaultLimits()

	// Gap of exactly MAX_GAP extends the block.
	blocks := Plan([]*model.Tag{regTag(1, 0), regTag(2, 9)}, limits)
	require.Len(t, blocks, 1)
	assert.Equal(t, 10, blocks[0].Length)

	// One past the gap splits.
	blocks = Plan([]*model.Tag{regTag(1, 0), regTag(2, 10)}, limits)
	require.Len(t, blocks, 2)
}

func TestPlanSizeBoundary(t *testing.T) {
	limits := Limits{RegisterMaxGap: 8, RegisterMaxSize: 4, BitMaxGap: 8, BitMaxSize: 4}

	// Four consecutive words fill a block exactly; the fifth starts anew.
	tags := []*model.Tag{regTag(1, 0), regTag(2, 1), regTag(3, 2), regTag(4, 3), regTag(5, 4)}
	blocks := Plan(tags, limits)
	require.Len(t, blocks, 2)
	assert.Equal(t, 4, blocks[0].Length)
	assert.Equal(t, uint16(4), blocks[1].Start)
}

func TestPlanOversizedTag(t *testing.T) {
	// A tag wider than the cap cannot split; it gets a dedicated block.
	wide := &model.Tag{
		ID: 1, UnitID: 1,
		Channel: model.ChannelHoldingRegister, DataType: model.TypeString,
		Address: 10, ReadAmount: 40,
	}
	blocks := Plan([]*model.Tag{wide, regTag(2, 0)}, Limits{RegisterMaxGap: 8, RegisterMaxSize: 4, BitMaxGap: 8, BitMaxSize: 4})
	require.Len(t, blocks, 2)
	assert.Equal(t, 1, blocks[0].Length)
	assert.Equal(t, 20, blocks[1].Length)
}

func TestPlanPartitions(t *testing.T) {
	tags := []*model.Tag{
		regTag(1, 100),
		{ID: 2, UnitID: 2, Channel: model.ChannelHoldingRegister, DataType: model.TypeUint16, Address: 100, ReadAmount: 1},
		{ID: 3, UnitID: 1, Channel: model.ChannelInputRegister, DataType: model.TypeUint16, Address: 100, ReadAmount: 1},
		{ID: 4, UnitID: 1, Channel: model.ChannelCoil, DataType: model.TypeBool, Address: 100, ReadAmount: 1},
	}
	blocks := Plan(tags, DefaultLimits())
	require.Len(t, blocks, 4)

	// Canonical order: coils, then registers by unit id, then input registers.
	assert.Equal(t, model.ChannelCoil, blocks[0].Channel)
	assert.Equal(t, model.ChannelHoldingRegister, blocks[1].Channel)
	assert.Equal(t, uint8(1), blocks[1].UnitID)
	assert.Equal(t, model.ChannelHoldingRegister, blocks[2].Channel)
	assert.Equal(t, uint8(2), blocks[2].UnitID)
	assert.Equal(t, model.ChannelInputRegister, blocks[3].Channel)
}

func TestPlanOverlappingBitIndexed(t *testing.T) {
	// Sixteen bools sharing one register word plan as a single 1-word block.
	tags := make([]*model.Tag, 0, 16)
	for i := 0; i < 16; i++ {
		tags = append(tags, &model.Tag{
			ID: int64(i + 1), UnitID: 1,
			Channel: model.ChannelHoldingRegister, DataType: model.TypeBool,
			Address: 7, BitIndex: model.Bit(uint8(i)), ReadAmount: 1,
		})
	}
	blocks := Plan(tags, DefaultLimits())
	require.Len(t, blocks, 1)
	assert.Equal(t, uint16(7), blocks[0].Start)
	assert.Equal(t, 1, blocks[0].Length)
	assert.Len(t, blocks[0].Tags, 16)
}

func TestPlanMultiWordSpans(t *testing.T) {
	tags := []*model.Tag{
		{ID: 1, UnitID: 1, Channel: model.ChannelHoldingRegister, DataType: model.TypeFloat32, Address: 10, ReadAmount: 1},
		{ID: 2, UnitID: 1, Channel: model.ChannelHoldingRegister, DataType: model.TypeFloat64, Address: 12, ReadAmount: 1},
	}
	blocks := Plan(tags, DefaultLimits())
	require.Len(t, blocks, 1)
	assert.Equal(t, uint16(10), blocks[0].Start)
	assert.Equal(t, 6, blocks[0].Length)
}

func TestPlanCoilLimits(t *testing.T) {
	// Bit channels use the bit limits: a 100-bit gap still coalesces.
	tags := []*model.Tag{
		{ID: 1, UnitID: 1, Channel: model.ChannelCoil, DataType: model.TypeBool, Address: 0, ReadAmount: 1},
		{ID: 2, UnitID: 1, Channel: model.ChannelCoil, DataType: model.TypeBool, Address: 101, ReadAmount: 1},
	}
	blocks := Plan(tags, DefaultLimits())
	require.Len(t, blocks, 1)
	assert.Equal(t, 102, blocks[0].Length)
}

func TestPlanInvariants(t *testing.T) {
	// Coverage exactly once, bounded length, disjoint tag sets, ordered reads.
	tags := []*model.Tag{
		regTag(1, 5), regTag(2, 3), regTag(3, 200), regTag(4, 12), regTag(5, 220),
		{ID: 6, UnitID: 1, Channel: model.ChannelHoldingRegister, DataType: model.TypeBool, Address: 5, BitIndex: model.Bit(4), ReadAmount: 1},
	}
	limits := DefaultLimits()
	blocks := Plan(tags, limits)

	seen := map[int64]int{}
	for _, b := range blocks {
		assert.LessOrEqual(t, b.Length, limits.RegisterMaxSize)
		for _, tag := range b.Tags {
			seen[tag.ID]++
			// Every tag's span sits inside its block.
			assert.GreaterOrEqual(t, int(tag.Address), int(b.Start))
			assert.LessOrEqual(t, int(tag.Address)+tag.ReadCount(), int(b.Start)+b.Length)
		}
	}
	require.Len(t, seen, len(tags))
	for id, n := range seen {
		assert.Equal(t, 1, n, "tag %d planned %d times", id, n)
	}
}
