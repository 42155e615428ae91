package models

import "time"

// QuoteSnapshot is one pulled quotation, recorded by the five-minute poller.
type QuoteSnapshot struct {
	Symbol       string    `json:"symbol"`
	Price        float64   `json:"price"`
	Change       float64   `json:"change"`
	ChangeRate   float64   `json:"change_percent"`
	BusinessDate string    `json:"business_date"`
	RetrievedAt  time.Time `json:"retrieved_at"`
}
