package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "trendict/config"
	"trendict/internal/channel"
	"trendict/logger"
	"trendict/models"
)

// Dispatcher consumes raw stream frames, decodes their envelope, and routes
// each record onto the typed channel its tag selects. Frames with an
// unknown tag, control frames, and malformed records are dropped and
// counted; routing never fails a frame into the wrong channel.
type Dispatcher struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	// Metrics
	framesProcessed int64
	ticksRouted     int64
	indicesRouted   int64
	framesDropped   int64
}

func NewDispatcher(cfg *appconfig.Config, channels *channel.Channels) *Dispatcher {
	return &Dispatcher{
		config:   cfg,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting dispatcher")

	d.wg.Add(1)
	go d.worker()

	go d.metricsReporter(ctx)

	log.Info("dispatcher started successfully")
	return nil
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("dispatcher").Info("stopping dispatcher")
	d.wg.Wait()
	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"worker": "router"})
	log.Info("starting dispatcher worker")

	for {
		select {
		case <-d.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case rawMsg, ok := <-d.channels.Raw:
			if !ok {
				log.Info("raw channel closed, worker stopping")
				return
			}
			d.processFrame(rawMsg)
		}
	}
}

// processFrame decodes one raw frame and routes its records. Returns how
// many records were routed; zero means the whole frame was dropped.
func (d *Dispatcher) processFrame(rawMsg models.RawMessage) int {
	env, ok := models.ParseEnvelope(rawMsg.Payload)
	if !ok {
		// Control frames (PINGPONG, subscribe acks) land here too; the
		// reader already answered them, routing just skips them.
		d.dropFrame()
		return 0
	}

	switch env.TrID {
	case models.TrTick, models.TrNavTick:
		ticks := models.DecodeTicks(env.Body, env.Count)
		if len(ticks) == 0 {
			d.dropFrame()
			return 0
		}
		routed := 0
		for _, tick := range ticks {
			if d.channels.SendTick(d.ctx, tick) {
				routed++
			}
		}
		d.mu.Lock()
		d.framesProcessed++
		d.ticksRouted += int64(routed)
		d.mu.Unlock()
		return routed

	case models.TrIndexTick:
		snap, ok := models.DecodeIndexSnapshot(env.Body)
		if !ok {
			d.dropFrame()
			return 0
		}
		if !d.channels.SendIndex(d.ctx, snap) {
			return 0
		}
		d.mu.Lock()
		d.framesProcessed++
		d.indicesRouted++
		d.mu.Unlock()
		return 1

	default:
		d.log.WithComponent("dispatcher").WithFields(logger.Fields{
			"tr_id": env.TrID,
		}).Debug("frame with unknown channel tag dropped")
		d.dropFrame()
		return 0
	}
}

func (d *Dispatcher) dropFrame() {
	d.mu.Lock()
	d.framesDropped++
	d.mu.Unlock()
	logger.IncrementFrameDropped()
}

// Stats returns processed, routed and dropped counters.
func (d *Dispatcher) Stats() (frames, ticks, indices, dropped int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.framesProcessed, d.ticksRouted, d.indicesRouted, d.framesDropped
}

func (d *Dispatcher) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reportMetrics()
		}
	}
}

func (d *Dispatcher) reportMetrics() {
	frames, ticks, indices, dropped := d.Stats()

	dropRate := float64(0)
	if frames+dropped > 0 {
		dropRate = float64(dropped) / float64(frames+dropped)
	}

	log := d.log.WithComponent("dispatcher")
	d.log.LogMetric("dispatcher", "frames_processed", frames, "counter", logger.Fields{})
	d.log.LogMetric("dispatcher", "ticks_routed", ticks, "counter", logger.Fields{})
	d.log.LogMetric("dispatcher", "indices_routed", indices, "counter", logger.Fields{})
	d.log.LogMetric("dispatcher", "frames_dropped", dropped, "counter", logger.Fields{})
	d.log.LogMetric("dispatcher", "drop_rate", dropRate, "gauge", logger.Fields{})

	log.WithFields(logger.Fields{
		"frames_processed": frames,
		"ticks_routed":     ticks,
		"indices_routed":   indices,
		"frames_dropped":   dropped,
		"drop_rate":        dropRate,
		"raw_channel_len":  len(d.channels.Raw),
		"raw_channel_cap":  cap(d.channels.Raw),
	}).Info("dispatcher metrics")
}
