package predict

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSimulatorBand(t *testing.T) {
	s := NewSimulator(0)

	pred, err := s.Analyze(context.Background(), "102110", 41025)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if pred.Symbol != "102110" {
		t.Errorf("symbol = %s", pred.Symbol)
	}
	if diff := pred.Range[0] - 41025*0.985; diff > 0.01 || diff < -0.01 {
		t.Errorf("low bound = %v", pred.Range[0])
	}
	if diff := pred.Range[1] - 41025*1.03; diff > 0.01 || diff < -0.01 {
		t.Errorf("high bound = %v", pred.Range[1])
	}
	if pred.Range[0] >= pred.Range[1] {
		t.Errorf("band inverted: %v", pred.Range)
	}
	if pred.Analysis == "" || len(pred.PositiveFactors) == 0 || len(pred.PotentialRisks) == 0 {
		t.Errorf("narrative fields must be populated: %+v", pred)
	}
}

func TestSimulatorNoReferencePrice(t *testing.T) {
	s := NewSimulator(0)
	if _, err := s.Analyze(context.Background(), "102110", 0); !errors.Is(err, ErrAnalysis) {
		t.Fatalf("expected ErrAnalysis, got %v", err)
	}
}

func TestSimulatorCancelledDuringDelay(t *testing.T) {
	s := NewSimulator(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if _, err := s.Analyze(ctx, "102110", 41025); err == nil {
		t.Fatalf("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancel should abort the delay immediately")
	}
}
