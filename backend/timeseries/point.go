package timeseries

import (
	"encoding/json"
	"math"
	"time"
)

// Point is a single time-series sample. The wire form is
// {"t": <ms epoch>, "v": <number>} to match the chart payload contract.
type Point struct {
	T time.Time
	V float64
}

// NewPoint creates a point with the given timestamp and value.
func NewPoint(t time.Time, v float64) Point {
	return Point{T: t, V: v}
}

// Valid reports whether the point carries a positive timestamp and a finite
// value. Invalid points are dropped silently at ingest and at the client.
func (p Point) Valid() bool {
	if p.T.IsZero() || p.T.UnixMilli() <= 0 {
		return false
	}
	return !math.IsNaN(p.V) && !math.IsInf(p.V, 0)
}

type wirePoint struct {
	T int64   `json:"t"`
	V float64 `json:"v"`
}

// MarshalJSON encodes the point with a millisecond epoch timestamp.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePoint{T: p.T.UnixMilli(), V: p.V})
}

// UnmarshalJSON decodes the millisecond epoch wire form.
func (p *Point) UnmarshalJSON(data []byte) error {
	var wire wirePoint
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	p.T = time.UnixMilli(wire.T)
	p.V = wire.V
	return nil
}
