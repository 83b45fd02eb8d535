package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/fieldgate/pkg/model"
	"github.com/fieldgate/fieldgate/pkg/value"
)

func TestSample(t *testing.T) {
	now := time.Now()
	recent := now.Add(-10 * time.Second)
	old := now.Add(-2 * time.Minute)

	tests := []struct {
		name string
		tag  model.Tag
		want bool
	}{
		{
			name: "never sampled",
			tag:  model.Tag{ID: 1, HistoryInterval: time.Minute, HistoryRetention: time.Hour},
			want: true,
		},
		{
			name: "interval elapsed",
			tag:  model.Tag{ID: 2, HistoryInterval: time.Minute, HistoryRetention: time.Hour, LastHistoryAt: &old},
			want: true,
		},
		{
			name: "inside interval",
			tag:  model.Tag{ID: 3, HistoryInterval: time.Minute, HistoryRetention: time.Hour, LastHistoryAt: &recent},
			want: false,
		},
		{
			name: "retention disabled",
			tag:  model.Tag{ID: 4, HistoryInterval: time.Minute, HistoryRetention: 0},
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.tag.CurrentValue = value.Uint(42)
			entries := Sample([]*model.Tag{&tc.tag}, now)
			if !tc.want {
				assert.Empty(t, entries)
				return
			}
			require.Len(t, entries, 1)
			assert.Equal(t, tc.tag.ID, entries[0].TagID)
			assert.True(t, entries[0].Value.Equal(value.Uint(42)))
			assert.Equal(t, now, entries[0].Timestamp)
		})
	}
}

func TestSampleBoundary(t *testing.T) {
	now := time.Now()
	exactly := now.Add(-time.Minute)
	tag := &model.Tag{
		ID: 1, HistoryInterval: time.Minute, HistoryRetention: time.Hour,
		LastHistoryAt: &exactly, CurrentValue: value.Uint(1),
	}
	// An interval that elapsed to the tick samples again.
	assert.Len(t, Sample([]*model.Tag{tag}, now), 1)
}
