package ohlcv

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bar1m(ts int64, o, h, l, c, v float64) Bar {
	return Bar{TsMs: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestResample_Empty(t *testing.T) {
	assert.Empty(t, Resample(nil, MustTimeframe("5m")))
	assert.Empty(t, Resample([]Bar{}, MustTimeframe("1h")))
}

func TestResample_FiveMinuteBucket(t *testing.T) {
	bars := []Bar{
		bar1m(0, 10, 12, 9, 10, 1),
		bar1m(60_000, 10, 13, 10, 11, 2),
		bar1m(120_000, 11, 14, 8, 12, 3),
		bar1m(180_000, 12, 13, 11, 13, 4),
		bar1m(240_000, 13, 15, 12, 14, 5),
	}

	out := Resample(bars, MustTimeframe("5m"))
	require.Len(t, out, 1)

	b := out[0]
	assert.Equal(t, int64(0), b.TsMs)
	assert.Equal(t, 10.0, b.Open)
	assert.Equal(t, 15.0, b.High)
	assert.Equal(t, 8.0, b.Low)
	assert.Equal(t, 14.0, b.Close)
	assert.Equal(t, 15.0, b.Volume)
}

func TestResample_EmitsPartialFinalBucket(t *testing.T) {
	bars := []Bar{
		bar1m(0, 1, 2, 1, 2, 1),
		bar1m(60_000, 2, 3, 2, 3, 1),
		bar1m(120_000, 3, 4, 3, 4, 1),
		bar1m(180_000, 4, 5, 4, 5, 1),
		bar1m(240_000, 5, 6, 5, 6, 1),
		// Second 5m bucket has only one constituent bar so far.
		bar1m(300_000, 6, 7, 6, 7, 1),
	}

	out := Resample(bars, MustTimeframe("5m"))
	require.Len(t, out, 2)
	assert.Equal(t, int64(300_000), out[1].TsMs)
	assert.Equal(t, 6.0, out[1].Open)
	assert.Equal(t, 7.0, out[1].Close)
	assert.Equal(t, 1.0, out[1].Volume)
}

func TestResample_DedupKeepsLast(t *testing.T) {
	bars := []Bar{
		bar1m(0, 1, 2, 1, 2, 1),
		bar1m(0, 5, 6, 4, 5, 9), // replaces the first
		bar1m(60_000, 5, 7, 5, 6, 1),
	}

	out := Resample(bars, MustTimeframe("5m"))
	require.Len(t, out, 1)
	assert.Equal(t, 5.0, out[0].Open)
	assert.Equal(t, 7.0, out[0].High)
	assert.Equal(t, 4.0, out[0].Low)
	assert.Equal(t, 6.0, out[0].Close)
	assert.Equal(t, 10.0, out[0].Volume)
}

func TestResample_OneMinutePassthrough(t *testing.T) {
	bars := []Bar{bar1m(0, 1, 2, 1, 2, 1), bar1m(60_000, 2, 3, 2, 3, 1)}
	out := Resample(bars, TF1m)
	assert.Equal(t, bars, out)
}

// Property check: for random ascending 1m input, every output bar must be
// bucket-aligned, sorted, and satisfy the OHLC aggregation rules against
// its constituent input bars.
func TestResample_AggregationInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	frames := []Timeframe{MustTimeframe("5m"), MustTimeframe("15m"), MustTimeframe("1h"), MustTimeframe("1d")}

	for trial := 0; trial < 50; trial++ {
		tf := frames[rng.Intn(len(frames))]

		var bars []Bar
		ts := int64(rng.Intn(1000)) * 60_000
		for i := 0; i < 200; i++ {
			o := 100 + rng.Float64()*10
			c := 100 + rng.Float64()*10
			h := max(o, c) + rng.Float64()
			l := min(o, c) - rng.Float64()
			bars = append(bars, bar1m(ts, o, h, l, c, rng.Float64()*100))
			ts += 60_000 * int64(1+rng.Intn(3)) // occasional gaps
		}

		out := Resample(bars, tf)
		require.NotEmpty(t, out)

		byBucket := make(map[int64][]Bar)
		for _, b := range bars {
			bucket := tf.Truncate(b.TsMs)
			byBucket[bucket] = append(byBucket[bucket], b)
		}
		require.Len(t, out, len(byBucket))

		var prev int64 = -1
		for _, rb := range out {
			assert.Equal(t, tf.Truncate(rb.TsMs), rb.TsMs, "bucket aligned")
			assert.Greater(t, rb.TsMs, prev, "sorted ascending")
			prev = rb.TsMs

			group := byBucket[rb.TsMs]
			require.NotEmpty(t, group)
			assert.Equal(t, group[0].Open, rb.Open)
			assert.Equal(t, group[len(group)-1].Close, rb.Close)
			hi, lo := group[0].High, group[0].Low
			var vol float64
			for _, g := range group {
				hi = max(hi, g.High)
				lo = min(lo, g.Low)
				vol += g.Volume
			}
			assert.Equal(t, hi, rb.High)
			assert.Equal(t, lo, rb.Low)
			assert.InDelta(t, vol, rb.Volume, 1e-9)
		}
	}
}
