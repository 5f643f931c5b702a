package persistence

// MissingRanges derives the contiguous gap ranges on the 60_000 ms grid
// within [earliestMs, latestMs] given the sorted set of existing 1m
// timestamps. Both window endpoints are aligned inward to the grid. The
// result is sorted ascending and non-overlapping, each range inclusive of
// both endpoints.
func MissingRanges(existing []int64, earliestMs, latestMs int64) []GapRange {
	const step = int64(60_000)

	start := earliestMs
	if rem := start % step; rem != 0 {
		start += step - rem
	}
	end := (latestMs / step) * step
	if start > end {
		return nil
	}

	present := make(map[int64]struct{}, len(existing))
	for _, ts := range existing {
		present[ts] = struct{}{}
	}

	var gaps []GapRange
	var cur *GapRange
	for ts := start; ts <= end; ts += step {
		if _, ok := present[ts]; ok {
			if cur != nil {
				gaps = append(gaps, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil {
			cur = &GapRange{StartMs: ts, EndMs: ts}
		} else {
			cur.EndMs = ts
		}
	}
	if cur != nil {
		gaps = append(gaps, *cur)
	}
	return gaps
}
