package models

import (
	"math"
	"strconv"
	"strings"
)

// Market codes used on the index execution feed.
var indexNames = map[string]string{
	"0001": "KOSPI",
	"1001": "KOSDAQ",
	"2001": "KOSPI200",
}

// Positional fields of the index payload: code, time, current value,
// direction sign, absolute change, percent change.
const (
	indexFieldCode   = 0
	indexFieldValue  = 2
	indexFieldSign   = 3
	indexFieldChange = 4
	indexFieldRate   = 5

	minIndexFields = 6
)

// IndexSnapshot is the latest observed state of one named market index.
// Snapshots are upserted by Name; last writer wins.
type IndexSnapshot struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Change     float64 `json:"change"`
	ChangeRate float64 `json:"change_percent"`
	Flag       string  `json:"flag"`
}

// DecodeIndexSnapshot parses a caret-delimited index record. The direction
// sign field (4 and 5 mean down) fixes the sign of the change fields, which
// the feed reports as magnitudes.
func DecodeIndexSnapshot(body string) (IndexSnapshot, bool) {
	fields := strings.Split(body, fieldSep)
	if len(fields) < minIndexFields {
		return IndexSnapshot{}, false
	}
	value, err := strconv.ParseFloat(fields[indexFieldValue], 64)
	if err != nil {
		return IndexSnapshot{}, false
	}
	change, _ := strconv.ParseFloat(fields[indexFieldChange], 64)
	rate, _ := strconv.ParseFloat(fields[indexFieldRate], 64)
	if sign := fields[indexFieldSign]; sign == "4" || sign == "5" {
		change = -math.Abs(change)
		rate = -math.Abs(rate)
	}
	name := fields[indexFieldCode]
	if mapped, ok := indexNames[name]; ok {
		name = mapped
	}
	return IndexSnapshot{
		Name:       name,
		Value:      value,
		Change:     change,
		ChangeRate: rate,
		Flag:       "🇰🇷",
	}, true
}
