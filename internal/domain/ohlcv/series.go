package ohlcv

import "sort"

// Window bounds a bar query. Since is inclusive, Until exclusive, both in
// epoch milliseconds. Negative Since/Until mean unbounded; negative Limit
// means unlimited. A Limit of zero yields an empty result.
type Window struct {
	Since int64
	Until int64
	Limit int
}

// Unbounded is the window that selects everything.
var Unbounded = Window{Since: -1, Until: -1, Limit: -1}

// HasSince reports whether the lower bound is set.
func (w Window) HasSince() bool { return w.Since >= 0 }

// HasUntil reports whether the upper bound is set.
func (w Window) HasUntil() bool { return w.Until >= 0 }

// HasLimit reports whether the row cap is set.
func (w Window) HasLimit() bool { return w.Limit >= 0 }

// Contains reports whether ts falls inside the half-open [Since, Until) range.
func (w Window) Contains(tsMs int64) bool {
	if w.HasSince() && tsMs < w.Since {
		return false
	}
	if w.HasUntil() && tsMs >= w.Until {
		return false
	}
	return true
}

// Merge combines two ascending bar slices into one ascending, duplicate-free
// slice. On equal timestamps the bar from fresher wins; this is how the
// fetch pipeline lets later stages (store, plugin) overwrite cached copies.
func Merge(base, fresher []Bar) []Bar {
	if len(base) == 0 {
		return append([]Bar(nil), fresher...)
	}
	if len(fresher) == 0 {
		return append([]Bar(nil), base...)
	}
	out := make([]Bar, 0, len(base)+len(fresher))
	i, j := 0, 0
	for i < len(base) && j < len(fresher) {
		switch {
		case base[i].TsMs < fresher[j].TsMs:
			out = append(out, base[i])
			i++
		case base[i].TsMs > fresher[j].TsMs:
			out = append(out, fresher[j])
			j++
		default:
			out = append(out, fresher[j])
			i++
			j++
		}
	}
	out = append(out, base[i:]...)
	out = append(out, fresher[j:]...)
	return out
}

// Project applies window bounds to an ascending bar slice. When both bounds
// are unset, Limit keeps the most recent bars; otherwise it keeps the first
// Limit bars after Since.
func Project(bars []Bar, w Window) []Bar {
	lo := 0
	if w.HasSince() {
		lo = sort.Search(len(bars), func(i int) bool { return bars[i].TsMs >= w.Since })
	}
	hi := len(bars)
	if w.HasUntil() {
		hi = sort.Search(len(bars), func(i int) bool { return bars[i].TsMs >= w.Until })
	}
	if lo > hi {
		lo = hi
	}
	sel := bars[lo:hi]
	if !w.HasLimit() || len(sel) <= w.Limit {
		return append([]Bar(nil), sel...)
	}
	if !w.HasSince() && !w.HasUntil() {
		return append([]Bar(nil), sel[len(sel)-w.Limit:]...)
	}
	return append([]Bar(nil), sel[:w.Limit]...)
}

// SortAscending orders bars by timestamp in place.
func SortAscending(bars []Bar) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].TsMs < bars[j].TsMs })
}
