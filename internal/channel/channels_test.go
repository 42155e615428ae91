package channel

import (
	"context"
	"testing"
	"time"

	"trendict/models"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1, 1)
	if c.Raw == nil || c.Ticks == nil || c.Indices == nil {
		t.Fatalf("expected non-nil channels")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
}

func TestSendRawDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()

	if !c.SendRaw(ctx, models.RawMessage{Payload: "a"}) {
		t.Fatalf("first send should succeed")
	}
	if c.SendRaw(ctx, models.RawMessage{Payload: "b"}) {
		t.Fatalf("second send should drop, buffer is full")
	}

	stats := c.GetStats()
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Fatalf("stats sent=%d dropped=%d", stats.RawSent, stats.RawDropped)
	}
}

func TestSendTickAndIndex(t *testing.T) {
	c := NewChannels(1, 2)
	ctx := context.Background()

	if !c.SendTick(ctx, models.Tick{Symbol: "102110", Price: 410.25}) {
		t.Fatalf("tick send should succeed")
	}
	if !c.SendIndex(ctx, models.IndexSnapshot{Name: "KOSPI", Value: 2785.49}) {
		t.Fatalf("index send should succeed")
	}

	tick := <-c.Ticks
	if tick.Price != 410.25 {
		t.Fatalf("unexpected tick %+v", tick)
	}
	snap := <-c.Indices
	if snap.Name != "KOSPI" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	stats := c.GetStats()
	if stats.TicksSent != 1 || stats.IndicesSent != 1 {
		t.Fatalf("stats %+v", stats)
	}
}
