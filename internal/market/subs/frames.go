package subs

import (
	"encoding/json"

	"github.com/churst90/accessible-trader-sub001/internal/domain/ohlcv"
)

// Frame types and error codes on the client wire protocol.
const (
	FrameStatus = "status"
	FrameData   = "data"
	FrameUpdate = "update"
	FrameError  = "error"
	FramePing   = "ping"

	CodeClientOverflow = "ClientOverflow"
	CodeShuttingDown   = "ShuttingDown"
	CodeFeedDead       = "FeedDead"
	CodeInvalidRequest = "InvalidRequest"
)

type frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

type dataPayload struct {
	OHLC         [][5]float64 `json:"ohlc"`
	Volume       [][2]float64 `json:"volume"`
	InitialBatch bool         `json:"initial_batch,omitempty"`
	Partial      bool         `json:"partial,omitempty"`
}

type updatePayload struct {
	OHLC   [][5]float64 `json:"ohlc"`
	Volume [][2]float64 `json:"volume"`
	Closed bool         `json:"closed"`
}

type rawPayload struct {
	Stream ohlcv.StreamType `json:"stream"`
	Data   json.RawMessage  `json:"data"`
}

func barsToArrays(bars []ohlcv.Bar) ([][5]float64, [][2]float64) {
	ohlc := make([][5]float64, len(bars))
	vol := make([][2]float64, len(bars))
	for i, b := range bars {
		ts := float64(b.TsMs)
		ohlc[i] = [5]float64{ts, b.Open, b.High, b.Low, b.Close}
		vol[i] = [2]float64{ts, b.Volume}
	}
	return ohlc, vol
}

// StatusFrame builds a status frame with a human-readable payload.
func StatusFrame(text string) []byte {
	out, _ := json.Marshal(frame{Type: FrameStatus, Payload: text})
	return out
}

// DataFrame builds the initial-batch data frame.
func DataFrame(bars []ohlcv.Bar, initial, partial bool) []byte {
	ohlc, vol := barsToArrays(bars)
	out, _ := json.Marshal(frame{Type: FrameData, Payload: dataPayload{
		OHLC: ohlc, Volume: vol, InitialBatch: initial, Partial: partial,
	}})
	return out
}

// UpdateFrame builds a live bar update frame.
func UpdateFrame(bar ohlcv.Bar, closed bool) []byte {
	ohlc, vol := barsToArrays([]ohlcv.Bar{bar})
	out, _ := json.Marshal(frame{Type: FrameUpdate, Payload: updatePayload{
		OHLC: ohlc, Volume: vol, Closed: closed,
	}})
	return out
}

// RawUpdateFrame wraps a passthrough stream payload (trades, book).
func RawUpdateFrame(st ohlcv.StreamType, data json.RawMessage) []byte {
	out, _ := json.Marshal(frame{Type: FrameUpdate, Payload: rawPayload{Stream: st, Data: data}})
	return out
}

// ErrorFrame builds a taxonomy-coded error frame.
func ErrorFrame(code, message string) []byte {
	out, _ := json.Marshal(frame{Type: FrameError, Code: code, Message: message})
	return out
}

// PingFrame builds the heartbeat frame.
func PingFrame() []byte {
	out, _ := json.Marshal(frame{Type: FramePing})
	return out
}
