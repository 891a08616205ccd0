package main

import (
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzztriage/fuzztriage/internal/types"
)

func TestSummarizeHits(t *testing.T) {
	h0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h1 := h0.Add(time.Hour)
	hits := []*types.BucketHit{
		{BucketID: 1, ToolID: 1, Begin: h0, Count: 2},
		{BucketID: 1, ToolID: 2, Begin: h0, Count: 3},
		{BucketID: 2, ToolID: 1, Begin: h1, Count: 9},
		{BucketID: 1, ToolID: 1, Begin: h1, Count: 1},
	}
	series := summarizeHits(hits)
	require.Len(t, series, 2)

	assert.Equal(t, int64(2), series[0].BucketID, "largest total first")
	assert.Equal(t, 9, series[0].Total)
	assert.Equal(t, int64(1), series[1].BucketID)
	assert.Equal(t, 6, series[1].Total)
	assert.Equal(t, map[time.Time]int{h0: 5, h1: 1}, series[1].Hours)
}

func TestSparkline(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	since := now.Add(-3 * time.Hour)
	hours := map[time.Time]int{
		time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC): 4,
		time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC): 8,
	}
	line := sparkline(hours, since, now)
	assert.Equal(t, 4, utf8.RuneCountInString(line), "one rune per hour from 09:00 to 12:00")

	runes := []rune(line)
	assert.Equal(t, ' ', runes[0])
	assert.Equal(t, ' ', runes[2])
	assert.Equal(t, '█', runes[3])
	assert.NotEqual(t, ' ', runes[1])

	assert.Equal(t, "  ", sparkline(nil, now.Add(-time.Hour), now))
}
