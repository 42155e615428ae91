package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"trendict/logger"
)

// ErrAnalysis is returned when the analyzer cannot produce a projection.
var ErrAnalysis = errors.New("analysis unavailable")

// Prediction is a short-term price projection for one instrument.
type Prediction struct {
	Symbol          string     `json:"symbol"`
	Range           [2]float64 `json:"predicted_range"`
	Analysis        string     `json:"analysis"`
	Reason          string     `json:"reason"`
	PositiveFactors []string   `json:"positive_factors"`
	PotentialRisks  []string   `json:"potential_risks"`
	GeneratedAt     time.Time  `json:"generated_at"`
}

// Analyzer produces a projection from the latest traded price.
type Analyzer interface {
	Analyze(ctx context.Context, symbol string, lastPrice float64) (Prediction, error)
}

// Simulator is a stand-in analyzer that projects a band around the last
// price after a configurable think delay. The delay mimics a real model
// call so the serving path is exercised end to end.
type Simulator struct {
	delay time.Duration
	log   *logger.Log
}

func NewSimulator(delay time.Duration) *Simulator {
	return &Simulator{
		delay: delay,
		log:   logger.GetLogger(),
	}
}

// Analyze projects the next session's range as a band around lastPrice,
// slightly skewed upward. Cancelling the context aborts the think delay.
func (s *Simulator) Analyze(ctx context.Context, symbol string, lastPrice float64) (Prediction, error) {
	if lastPrice <= 0 || math.IsNaN(lastPrice) || math.IsInf(lastPrice, 0) {
		return Prediction{}, fmt.Errorf("%w: no reference price", ErrAnalysis)
	}

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return Prediction{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}

	low := round2(lastPrice * 0.985)
	high := round2(lastPrice * 1.03)

	pred := Prediction{
		Symbol:   symbol,
		Range:    [2]float64{low, high},
		Analysis: "sideways-to-bullish",
		Reason:   "recent flow and index breadth point to a modest upward drift",
		PositiveFactors: []string{
			"sustained foreign net buying",
			"index futures basis holding positive",
		},
		PotentialRisks: []string{
			"overnight volatility in overseas markets",
			"profit taking near the prior high",
		},
		GeneratedAt: time.Now().UTC(),
	}

	s.log.WithComponent("predictor").WithFields(logger.Fields{
		"symbol": symbol,
		"low":    low,
		"high":   high,
	}).Info("projection generated")
	return pred, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
