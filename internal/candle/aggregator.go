package candle

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"trendict/internal/session"
	"trendict/internal/store"
	"trendict/logger"
	"trendict/models"
)

// UpdateFunc is invoked after every applied tick with the touched candle.
type UpdateFunc func(symbol string, c models.Candle)

// Aggregator folds execution ticks into fixed-width OHLC candles scoped to
// one trading session for one instrument. All mutation happens on the
// consumer goroutine started by Start, so there is exactly one writer; the
// read surface is guarded for concurrent dashboard readers.
type Aggregator struct {
	symbol string
	width  time.Duration
	clock  *session.Clock
	store  *store.SessionStore

	mu      sync.RWMutex
	day     string
	candles []models.Candle

	ticks    <-chan models.Tick
	onUpdate UpdateFunc

	ctx     context.Context
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
	log     *logger.Log

	ticksApplied int64
	ticksDropped int64
}

type Option func(*Aggregator)

// WithOnUpdate installs a callback fired after each applied tick.
func WithOnUpdate(fn UpdateFunc) Option {
	return func(a *Aggregator) { a.onUpdate = fn }
}

// NewAggregator restores any series already persisted for the current
// trading day and prepares the consumer.
func NewAggregator(symbol string, width time.Duration, clock *session.Clock, st *store.SessionStore, ticks <-chan models.Tick, opts ...Option) *Aggregator {
	a := &Aggregator{
		symbol: symbol,
		width:  width,
		clock:  clock,
		store:  st,
		ticks:  ticks,
		log:    logger.GetLogger(),
	}
	for _, o := range opts {
		o(a)
	}

	a.day = clock.DayKey(clock.Now())
	a.candles = st.Load(symbol, a.day)

	a.log.WithComponent("aggregator").WithFields(logger.Fields{
		"symbol":   symbol,
		"day":      a.day,
		"restored": len(a.candles),
	}).Info("aggregator initialized")
	return a
}

// Start launches the single consumer goroutine.
func (a *Aggregator) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return fmt.Errorf("aggregator already running")
	}
	a.running = true
	a.ctx = ctx
	a.runMu.Unlock()

	a.wg.Add(1)
	go a.worker()

	a.log.WithComponent("aggregator").WithFields(logger.Fields{"symbol": a.symbol}).Info("aggregator started")
	return nil
}

// Stop waits for the consumer and flushes the series one last time.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return
	}
	a.running = false
	a.runMu.Unlock()

	a.wg.Wait()

	a.mu.RLock()
	day, series := a.day, a.copySeries()
	a.mu.RUnlock()
	if err := a.store.Save(a.symbol, day, series); err != nil {
		a.log.WithComponent("aggregator").WithError(err).Warn("final series flush failed")
	}

	a.log.WithComponent("aggregator").WithFields(logger.Fields{"symbol": a.symbol}).Info("aggregator stopped")
}

func (a *Aggregator) worker() {
	defer a.wg.Done()

	log := a.log.WithComponent("aggregator").WithFields(logger.Fields{
		"symbol": a.symbol,
		"worker": "tick_consumer",
	})

	for {
		select {
		case <-a.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case tick, ok := <-a.ticks:
			if !ok {
				log.Info("tick channel closed, worker stopping")
				return
			}
			a.Apply(tick)
		}
	}
}

// Apply folds one tick into the series. Ticks outside the trading window
// and ticks with an unparseable time of day are dropped; every applied tick
// queues a best-effort persistence write of the whole current-day series.
// Each call is atomic with respect to the next message.
func (a *Aggregator) Apply(tick models.Tick) bool {
	ts, ok := a.clock.TickTime(tick.TimeOfDay)
	if !ok || !a.clock.InSession(ts) {
		a.mu.Lock()
		a.ticksDropped++
		a.mu.Unlock()
		return false
	}

	day := a.clock.DayKey(ts)
	start := a.clock.FloorBucket(ts, a.width).Unix()

	a.mu.Lock()
	if day != a.day {
		// Session rollover: the prior day's candles are discarded, never
		// merged into the new session.
		prev := a.day
		a.day = day
		a.candles = nil
		a.store.Drop(a.symbol, prev)
		a.log.WithComponent("aggregator").WithFields(logger.Fields{
			"symbol": a.symbol,
			"from":   prev,
			"to":     day,
		}).Info("session rollover")
	}

	idx := sort.Search(len(a.candles), func(i int) bool {
		return a.candles[i].BucketStart >= start
	})
	if idx < len(a.candles) && a.candles[idx].BucketStart == start {
		update(&a.candles[idx], tick)
	} else {
		c := newCandle(start, tick)
		a.candles = append(a.candles, models.Candle{})
		copy(a.candles[idx+1:], a.candles[idx:])
		a.candles[idx] = c
	}
	a.ticksApplied++
	touched := a.candles[idx]
	series := a.copySeries()
	a.mu.Unlock()

	a.store.SaveAsync(a.symbol, day, series)
	if a.onUpdate != nil {
		a.onUpdate(a.symbol, touched)
	}
	return true
}

// newCandle seeds a bucket from its first tick, preferring the reported
// open/high/low when the feed carries them and widening so the OHLC
// invariant holds from the start.
func newCandle(start int64, tick models.Tick) models.Candle {
	c := models.Candle{
		BucketStart: start,
		Open:        tick.Price,
		High:        tick.Price,
		Low:         tick.Price,
		Close:       tick.Price,
	}
	if finite(tick.Open) {
		c.Open = tick.Open
	}
	if finite(tick.High) && tick.High > c.High {
		c.High = tick.High
	}
	if finite(tick.Low) && tick.Low < c.Low {
		c.Low = tick.Low
	}
	if c.Open > c.High {
		c.High = c.Open
	}
	if c.Open < c.Low {
		c.Low = c.Open
	}
	return c
}

// update widens an existing bucket. Open is never touched; high and low
// only ever widen.
func update(c *models.Candle, tick models.Tick) {
	c.Close = tick.Price
	if tick.Price > c.High {
		c.High = tick.Price
	}
	if tick.Price < c.Low {
		c.Low = tick.Price
	}
	if finite(tick.High) && tick.High > c.High {
		c.High = tick.High
	}
	if finite(tick.Low) && tick.Low < c.Low {
		c.Low = tick.Low
	}
}

func finite(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Series returns a copy of the current-day candles in ascending bucket
// order.
func (a *Aggregator) Series() []models.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.copySeries()
}

// Day returns the trading-day key the series belongs to.
func (a *Aggregator) Day() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.day
}

// Symbol returns the instrument this aggregator tracks.
func (a *Aggregator) Symbol() string { return a.symbol }

// Reset clears the in-memory series and drops its persisted slot.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	day := a.day
	a.candles = nil
	a.mu.Unlock()
	a.store.Drop(a.symbol, day)
}

// Stats reports applied and dropped tick counts.
func (a *Aggregator) Stats() (applied, dropped int64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ticksApplied, a.ticksDropped
}

func (a *Aggregator) copySeries() []models.Candle {
	if len(a.candles) == 0 {
		return nil
	}
	out := make([]models.Candle, len(a.candles))
	copy(out, a.candles)
	return out
}
