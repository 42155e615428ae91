package models

import (
	"strconv"
	"strings"
	"time"
)

// Transaction ids carried on the KIS realtime feed.
const (
	TrTick      = "H0STCNT0" // equity execution tick
	TrNavTick   = "H0STNAV0" // ETF NAV tick, same positional layout
	TrIndexTick = "H0UPCNT0" // market index execution
)

const (
	envelopeSep = "|"
	fieldSep    = "^"
)

// Positional fields of the execution payload. The gateway documents these by
// position, not by name, so the offsets are fixed.
const (
	fieldSymbol = 0
	fieldHour   = 1
	fieldPrice  = 2
	fieldChange = 4
	fieldRate   = 5
	fieldOpen   = 7
	fieldHigh   = 8
	fieldLow    = 9

	minTickFields = 10
)

// RawMessage is one text frame received from the stream, tagged with its
// receive time. Envelope parsing happens in the dispatcher.
type RawMessage struct {
	Payload  string
	Received time.Time
}

// Envelope is the pipe-delimited frame header: encryption flag, transaction
// id, record count and the caret-delimited body.
type Envelope struct {
	Encrypted bool
	TrID      string
	Count     int
	Body      string
}

// ParseEnvelope splits a stream frame into its envelope. JSON control frames
// (subscribe acks, PINGPONG heartbeats) and frames with too few segments
// report ok == false so the caller can drop them and keep reading.
func ParseEnvelope(raw string) (Envelope, bool) {
	if raw == "" || raw[0] == '{' {
		return Envelope{}, false
	}
	parts := strings.SplitN(raw, envelopeSep, 4)
	if len(parts) < 4 {
		return Envelope{}, false
	}
	count, err := strconv.Atoi(parts[2])
	if err != nil || count < 1 {
		count = 1
	}
	return Envelope{
		Encrypted: parts[0] == "1",
		TrID:      parts[1],
		Count:     count,
		Body:      parts[3],
	}, true
}

// Tick is a single observed market update. It is folded into a candle
// immediately and never retained.
type Tick struct {
	Symbol     string
	Price      float64
	PriorClose float64
	Change     float64
	ChangeRate float64
	TimeOfDay  string // HHMMSS, exchange-local
	Open       float64
	High       float64
	Low        float64
}

// DecodeTick parses a single caret-delimited execution record. Malformed
// payloads report ok == false, never an error.
func DecodeTick(body string) (Tick, bool) {
	return decodeTickFields(strings.Split(body, fieldSep))
}

// DecodeTicks parses a body that may pack several records. The gateway
// concatenates record fields back to back and announces the record count in
// the envelope; records that fail to decode are skipped.
func DecodeTicks(body string, count int) []Tick {
	fields := strings.Split(body, fieldSep)
	if count < 2 {
		if t, ok := decodeTickFields(fields); ok {
			return []Tick{t}
		}
		return nil
	}
	// A remainder means a truncated or garbled frame; decoding it anyway
	// would read every later record at shifted positions.
	if len(fields)%count != 0 {
		return nil
	}
	per := len(fields) / count
	if per < minTickFields {
		return nil
	}
	ticks := make([]Tick, 0, count)
	for i := 0; i < count; i++ {
		if t, ok := decodeTickFields(fields[i*per : (i+1)*per]); ok {
			ticks = append(ticks, t)
		}
	}
	return ticks
}

func decodeTickFields(fields []string) (Tick, bool) {
	if len(fields) < minTickFields {
		return Tick{}, false
	}
	price, err := strconv.ParseFloat(fields[fieldPrice], 64)
	if err != nil {
		return Tick{}, false
	}
	hour := fields[fieldHour]
	if len(hour) != 6 {
		return Tick{}, false
	}
	// Secondary fields are best-effort; a missing open/high/low falls back
	// to the trade price inside the aggregator.
	change, _ := strconv.ParseFloat(fields[fieldChange], 64)
	rate, _ := strconv.ParseFloat(fields[fieldRate], 64)
	open, _ := strconv.ParseFloat(fields[fieldOpen], 64)
	high, _ := strconv.ParseFloat(fields[fieldHigh], 64)
	low, _ := strconv.ParseFloat(fields[fieldLow], 64)
	return Tick{
		Symbol:     fields[fieldSymbol],
		Price:      price,
		PriorClose: price - change,
		Change:     change,
		ChangeRate: rate,
		TimeOfDay:  hour,
		Open:       open,
		High:       high,
		Low:        low,
	}, true
}
