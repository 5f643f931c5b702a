package ohlcv

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrInvalidTimeframe is returned by ParseTimeframe for anything that does
// not match {N}{m|h|d|w} with N >= 1.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

// TimeframeUnit is one of minute, hour, day, week.
type TimeframeUnit byte

const (
	UnitMinute TimeframeUnit = 'm'
	UnitHour   TimeframeUnit = 'h'
	UnitDay    TimeframeUnit = 'd'
	UnitWeek   TimeframeUnit = 'w'
)

var unitMs = map[TimeframeUnit]int64{
	UnitMinute: 60_000,
	UnitHour:   3_600_000,
	UnitDay:    86_400_000,
	UnitWeek:   604_800_000,
}

// Timeframe is a bar bucket size: a positive multiplier of a base unit.
// The canonical string form is "1m", "5m", "1h", "1d".
type Timeframe struct {
	Multiplier uint32
	Unit       TimeframeUnit
}

// TF1m is the finest-grained persisted timeframe.
var TF1m = Timeframe{Multiplier: 1, Unit: UnitMinute}

var tfPattern = regexp.MustCompile(`^([1-9][0-9]*)([mhdw])$`)

// ParseTimeframe parses the canonical {N}{m,h,d,w} form.
func ParseTimeframe(s string) (Timeframe, error) {
	m := tfPattern.FindStringSubmatch(s)
	if m == nil {
		return Timeframe{}, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	mult, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return Timeframe{}, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	return Timeframe{Multiplier: uint32(mult), Unit: TimeframeUnit(m[2][0])}, nil
}

// MustTimeframe is ParseTimeframe for static literals; it panics on error.
func MustTimeframe(s string) Timeframe {
	tf, err := ParseTimeframe(s)
	if err != nil {
		panic(err)
	}
	return tf
}

func (tf Timeframe) String() string {
	return fmt.Sprintf("%d%c", tf.Multiplier, tf.Unit)
}

// Milliseconds returns the bucket size in milliseconds.
func (tf Timeframe) Milliseconds() int64 {
	return int64(tf.Multiplier) * unitMs[tf.Unit]
}

// Truncate aligns ts down to the start of its bucket.
func (tf Timeframe) Truncate(tsMs int64) int64 {
	ms := tf.Milliseconds()
	return (tsMs / ms) * ms
}

// IsOneMinute reports whether this is the raw persisted timeframe.
func (tf Timeframe) IsOneMinute() bool {
	return tf.Multiplier == 1 && tf.Unit == UnitMinute
}
