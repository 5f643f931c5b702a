package ohlcv

// Resample aggregates an ascending stream of 1m bars into the target
// timeframe. Duplicate input timestamps dedup keeping the last occurrence.
// One output bar is emitted per occupied bucket; the most recent bucket is
// included even if it has not closed yet, so callers decide how to mark
// staleness. Runs in O(n).
func Resample(bars []Bar, tf Timeframe) []Bar {
	if len(bars) == 0 {
		return nil
	}
	bars = dedupAscending(bars)
	if tf.IsOneMinute() {
		return bars
	}

	out := make([]Bar, 0, len(bars)/int(tf.Multiplier)+1)
	var cur Bar
	open := false

	for _, b := range bars {
		bucket := tf.Truncate(b.TsMs)
		if !open || bucket != cur.TsMs {
			if open {
				out = append(out, cur)
			}
			cur = Bar{TsMs: bucket, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
			open = true
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	if open {
		out = append(out, cur)
	}
	return out
}

// dedupAscending drops duplicate timestamps from an ascending bar slice,
// keeping the last occurrence of each ts.
func dedupAscending(bars []Bar) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].TsMs == b.TsMs {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}
