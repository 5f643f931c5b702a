package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
)

// jsonFloat is a float64 that survives JSON round-trips for the values
// encoding/json refuses: NaN and the infinities become the literal strings
// "NaN", "Infinity", "-Infinity". null decodes to NaN so a missing field is
// distinguishable from 0.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	}
	return json.Marshal(v)
}

func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = jsonFloat(math.NaN())
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*f = jsonFloat(math.NaN())
		case "Infinity":
			*f = jsonFloat(math.Inf(1))
		case "-Infinity":
			*f = jsonFloat(math.Inf(-1))
		default:
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid float literal %q", s)
			}
			*f = jsonFloat(v)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

// wireBar is the cache serialization of a bar.
type wireBar struct {
	Ts     int64     `json:"ts"`
	Open   jsonFloat `json:"o"`
	High   jsonFloat `json:"h"`
	Low    jsonFloat `json:"l"`
	Close  jsonFloat `json:"c"`
	Volume jsonFloat `json:"v"`
}

// EncodeBars serializes a bar list for cache storage.
func EncodeBars(bars []ohlcv.Bar) ([]byte, error) {
	wire := make([]wireBar, len(bars))
	for i, b := range bars {
		wire[i] = wireBar{
			Ts:     b.TsMs,
			Open:   jsonFloat(b.Open),
			High:   jsonFloat(b.High),
			Low:    jsonFloat(b.Low),
			Close:  jsonFloat(b.Close),
			Volume: jsonFloat(b.Volume),
		}
	}
	return json.Marshal(wire)
}

// DecodeBars deserializes a cached bar list.
func DecodeBars(data []byte) ([]ohlcv.Bar, error) {
	var wire []wireBar
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode cached bars: %w", err)
	}
	bars := make([]ohlcv.Bar, len(wire))
	for i, w := range wire {
		bars[i] = ohlcv.Bar{
			TsMs:   w.Ts,
			Open:   float64(w.Open),
			High:   float64(w.High),
			Low:    float64(w.Low),
			Close:  float64(w.Close),
			Volume: float64(w.Volume),
		}
	}
	return bars, nil
}
