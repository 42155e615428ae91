package channel

import (
	"context"
	"sync"
	"time"

	"trendict/logger"
	"trendict/models"
)

type ChannelStats struct {
	RawSent        int64
	TicksSent      int64
	IndicesSent    int64
	RawDropped     int64
	TicksDropped   int64
	IndicesDropped int64
}

// Channels carries messages between the pipeline stages: raw frames from
// the stream reader, decoded execution ticks to the aggregator, and index
// snapshots to the reconciler. Sends never block; a full buffer drops the
// message and counts it.
type Channels struct {
	Raw     chan models.RawMessage
	Ticks   chan models.Tick
	Indices chan models.IndexSnapshot

	stats               ChannelStats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

func NewChannels(rawBufferSize, normBufferSize int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		Raw:     make(chan models.RawMessage, rawBufferSize),
		Ticks:   make(chan models.Tick, normBufferSize),
		Indices: make(chan models.IndexSnapshot, normBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":  rawBufferSize,
		"norm_buffer_size": normBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	c.log.WithComponent("channels").WithFields(logger.Fields{
		"raw_sent":        stats.RawSent,
		"ticks_sent":      stats.TicksSent,
		"indices_sent":    stats.IndicesSent,
		"raw_dropped":     stats.RawDropped,
		"ticks_dropped":   stats.TicksDropped,
		"indices_dropped": stats.IndicesDropped,
		"raw_len":         len(c.Raw),
		"raw_cap":         cap(c.Raw),
		"ticks_len":       len(c.Ticks),
		"ticks_cap":       cap(c.Ticks),
		"indices_len":     len(c.Indices),
		"indices_cap":     cap(c.Indices),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	if c.metricsReportTicker != nil {
		c.metricsReportTicker.Stop()
	}

	close(c.Raw)
	close(c.Ticks)
	close(c.Indices)

	c.log.WithComponent("channels").Info("all channels closed")
}

func (c *Channels) SendRaw(ctx context.Context, msg models.RawMessage) bool {
	select {
	case c.Raw <- msg:
		c.increment(func(s *ChannelStats) { s.RawSent++ })
		logger.RecordChannelMessage("raw", len(msg.Payload))
		return true
	case <-ctx.Done():
		return false
	default:
		c.increment(func(s *ChannelStats) { s.RawDropped++ })
		return false
	}
}

func (c *Channels) SendTick(ctx context.Context, tick models.Tick) bool {
	select {
	case c.Ticks <- tick:
		c.increment(func(s *ChannelStats) { s.TicksSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.increment(func(s *ChannelStats) { s.TicksDropped++ })
		return false
	}
}

func (c *Channels) SendIndex(ctx context.Context, snap models.IndexSnapshot) bool {
	select {
	case c.Indices <- snap:
		c.increment(func(s *ChannelStats) { s.IndicesSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.increment(func(s *ChannelStats) { s.IndicesDropped++ })
		return false
	}
}

func (c *Channels) increment(apply func(*ChannelStats)) {
	c.statsMutex.Lock()
	apply(&c.stats)
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
