package processor

import (
	"context"
	"strings"
	"testing"
	"time"

	appconfig "trendict/config"
	"trendict/internal/channel"
	"trendict/models"
)

func minimalConfig() *appconfig.Config {
	return &appconfig.Config{
		Channels: appconfig.ChannelsConfig{
			RawBuffer:  8,
			NormBuffer: 8,
		},
	}
}

func tickFrame(symbol, hhmmss string, price string) string {
	fields := make([]string, 10)
	for i := range fields {
		fields[i] = "0"
	}
	fields[0] = symbol
	fields[1] = hhmmss
	fields[2] = price
	return "0|H0STCNT0|001|" + strings.Join(fields, "^")
}

func indexFrame(code, value string) string {
	fields := make([]string, 6)
	for i := range fields {
		fields[i] = "0"
	}
	fields[0] = code
	fields[2] = value
	fields[3] = "2"
	return "0|H0UPCNT0|001|" + strings.Join(fields, "^")
}

func TestDispatcherStartStop(t *testing.T) {
	cfg := minimalConfig()
	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.NormBuffer)
	d := NewDispatcher(cfg, channels)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
	cancel()
	d.Stop()
}

func TestDispatcherRoutesTicks(t *testing.T) {
	cfg := minimalConfig()
	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.NormBuffer)
	d := NewDispatcher(cfg, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	channels.SendRaw(ctx, models.RawMessage{Payload: tickFrame("102110", "090312", "410.25"), Received: time.Now()})

	select {
	case tick := <-channels.Ticks:
		if tick.Symbol != "102110" || tick.Price != 410.25 || tick.TimeOfDay != "090312" {
			t.Fatalf("unexpected tick %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tick never routed")
	}
}

func TestDispatcherRoutesIndexSnapshots(t *testing.T) {
	cfg := minimalConfig()
	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.NormBuffer)
	d := NewDispatcher(cfg, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	channels.SendRaw(ctx, models.RawMessage{Payload: indexFrame("0001", "2785.49"), Received: time.Now()})

	select {
	case snap := <-channels.Indices:
		if snap.Name != "KOSPI" || snap.Value != 2785.49 {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("snapshot never routed")
	}
}

func TestDispatcherDropsUnroutableFrames(t *testing.T) {
	cfg := minimalConfig()
	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.NormBuffer)
	d := NewDispatcher(cfg, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	frames := []string{
		`{"header":{"tr_id":"PINGPONG"}}`,
		"0|H0STASP0|001|some^quote^frame^body",
		"0|H0STCNT0|001|too^short",
		"garbage without separators",
	}
	for _, payload := range frames {
		channels.SendRaw(ctx, models.RawMessage{Payload: payload, Received: time.Now()})
	}

	deadline := time.After(2 * time.Second)
	for {
		_, _, _, dropped := d.Stats()
		if dropped == int64(len(frames)) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d dropped frames, got %d", len(frames), dropped)
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case tick := <-channels.Ticks:
		t.Fatalf("no tick should be routed, got %+v", tick)
	default:
	}
	select {
	case snap := <-channels.Indices:
		t.Fatalf("no snapshot should be routed, got %+v", snap)
	default:
	}
}

func TestDispatcherMultiRecordFrame(t *testing.T) {
	cfg := minimalConfig()
	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.NormBuffer)
	d := NewDispatcher(cfg, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	one := []string{"102110", "090312", "410.25", "0", "0", "0", "0", "0", "0", "0"}
	two := []string{"102110", "090313", "410.30", "0", "0", "0", "0", "0", "0", "0"}
	payload := "0|H0STCNT0|002|" + strings.Join(append(one, two...), "^")
	channels.SendRaw(ctx, models.RawMessage{Payload: payload, Received: time.Now()})

	got := make([]models.Tick, 0, 2)
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case tick := <-channels.Ticks:
			got = append(got, tick)
		case <-deadline:
			t.Fatalf("expected 2 ticks, got %d", len(got))
		}
	}
	if got[0].Price != 410.25 || got[1].Price != 410.30 {
		t.Fatalf("ticks out of order or wrong: %+v", got)
	}
}
