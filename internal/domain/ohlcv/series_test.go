package ohlcv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tsOnly(ts ...int64) []Bar {
	out := make([]Bar, len(ts))
	for i, t := range ts {
		out[i] = Bar{TsMs: t, Close: float64(i)}
	}
	return out
}

func stamps(bars []Bar) []int64 {
	out := make([]int64, len(bars))
	for i, b := range bars {
		out[i] = b.TsMs
	}
	return out
}

func TestMerge_FresherWinsOnTie(t *testing.T) {
	base := []Bar{{TsMs: 0, Close: 1}, {TsMs: 60_000, Close: 2}}
	fresher := []Bar{{TsMs: 60_000, Close: 99}, {TsMs: 120_000, Close: 3}}

	out := Merge(base, fresher)
	require.Equal(t, []int64{0, 60_000, 120_000}, stamps(out))
	assert.Equal(t, 99.0, out[1].Close)
}

func TestMerge_EmptySides(t *testing.T) {
	bars := tsOnly(0, 60_000)
	assert.Equal(t, bars, Merge(nil, bars))
	assert.Equal(t, bars, Merge(bars, nil))
	assert.Empty(t, Merge(nil, nil))
}

func TestProject_HalfOpenBounds(t *testing.T) {
	bars := tsOnly(0, 60_000, 120_000, 180_000)

	out := Project(bars, Window{Since: 60_000, Until: 180_000, Limit: -1})
	assert.Equal(t, []int64{60_000, 120_000}, stamps(out))

	// since == until is empty
	out = Project(bars, Window{Since: 60_000, Until: 60_000, Limit: -1})
	assert.Empty(t, out)

	// bar exactly at since is included, exactly at until excluded
	out = Project(bars, Window{Since: 120_000, Until: 180_000, Limit: -1})
	assert.Equal(t, []int64{120_000}, stamps(out))
}

func TestProject_LimitZeroIsEmpty(t *testing.T) {
	bars := tsOnly(0, 60_000)
	assert.Empty(t, Project(bars, Window{Since: -1, Until: -1, Limit: 0}))
}

func TestProject_LimitKeepsMostRecentWhenUnbounded(t *testing.T) {
	bars := tsOnly(0, 60_000, 120_000, 180_000)
	out := Project(bars, Window{Since: -1, Until: -1, Limit: 2})
	assert.Equal(t, []int64{120_000, 180_000}, stamps(out))
}

func TestProject_LimitKeepsFirstAfterSince(t *testing.T) {
	bars := tsOnly(0, 60_000, 120_000, 180_000)
	out := Project(bars, Window{Since: 60_000, Until: -1, Limit: 2})
	assert.Equal(t, []int64{60_000, 120_000}, stamps(out))
}

func TestWindowContains(t *testing.T) {
	w := Window{Since: 100, Until: 200, Limit: -1}
	assert.True(t, w.Contains(100))
	assert.True(t, w.Contains(199))
	assert.False(t, w.Contains(200))
	assert.False(t, w.Contains(99))
	assert.True(t, Unbounded.Contains(0))
}

func TestBarValidate(t *testing.T) {
	ok := Bar{TsMs: 0, Open: 10, High: 12, Low: 9, Close: 11, Volume: 5}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Low = 11.5 // above open
	assert.Error(t, bad.Validate())

	bad = ok
	bad.High = 9.5 // below close
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Volume = -1
	assert.Error(t, bad.Validate())
}
