package models

import "time"

// Candle is one fixed-width OHLC bucket. BucketStart is the epoch second of
// the floored window start, which keeps JSON round-trips exact and makes the
// ordering key a plain integer.
type Candle struct {
	BucketStart int64   `json:"bucket_start"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
}

// StartTime returns the bucket start in the given zone.
func (c Candle) StartTime(loc *time.Location) time.Time {
	return time.Unix(c.BucketStart, 0).In(loc)
}

// ChartData is the shape the dashboard chart consumes: categorical date
// labels alongside [open, close, low, high] rows and a close-only line.
type ChartData struct {
	Categories  []string    `json:"categories"`
	Candlestick [][]float64 `json:"candlestick"`
	Line        []float64   `json:"line"`
}
