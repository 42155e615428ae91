package quote

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	appconfig "trendict/config"
	"trendict/internal/session"
	"trendict/logger"
	"trendict/models"
)

// SnapshotRecorder receives every quotation the poller pulls.
type SnapshotRecorder interface {
	RecordQuoteSnapshot(snap models.QuoteSnapshot) error
}

// SnapshotFunc is notified with each fresh snapshot, after recording.
type SnapshotFunc func(snap models.QuoteSnapshot)

// Poller pulls a quotation for the tracked instrument on a cron schedule
// during the trading session and records each snapshot. It backs the
// dashboard's periodic refresh independent of the realtime stream.
type Poller struct {
	symbol   string
	schedule string
	client   *Client
	clock    *session.Clock
	recorder SnapshotRecorder
	onSnap   SnapshotFunc

	cron    *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

type PollerOption func(*Poller)

func WithSnapshotFunc(fn SnapshotFunc) PollerOption {
	return func(p *Poller) { p.onSnap = fn }
}

func NewPoller(cfg *appconfig.Config, client *Client, clock *session.Clock, recorder SnapshotRecorder, opts ...PollerOption) *Poller {
	p := &Poller{
		symbol:   cfg.Market.Symbol,
		schedule: cfg.Poller.Cron,
		client:   client,
		clock:    clock,
		recorder: recorder,
		log:      logger.GetLogger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start registers the cron entry and begins polling.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.cron = cron.New(cron.WithLocation(p.clock.Zone()))
	entry, err := p.cron.AddFunc(p.schedule, p.poll)
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return fmt.Errorf("register poll schedule %q: %w", p.schedule, err)
	}
	p.entry = entry
	p.cron.Start()

	p.log.WithComponent("quote_poller").WithFields(logger.Fields{
		"symbol":   p.symbol,
		"schedule": p.schedule,
	}).Info("quote poller started")
	return nil
}

// Stop halts the schedule and waits for a running poll to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	<-p.cron.Stop().Done()
	p.log.WithComponent("quote_poller").Info("quote poller stopped")
}

// poll is one scheduled pull. Outside the trading session it does nothing.
func (p *Poller) poll() {
	now := p.clock.Now()
	if !p.clock.InSession(now) {
		return
	}

	log := p.log.WithComponent("quote_poller").WithFields(logger.Fields{"symbol": p.symbol})

	snap, err := p.client.CurrentPrice(p.ctx, p.symbol)
	if err != nil {
		log.WithError(err).Warn("quotation pull failed")
		return
	}
	snap.BusinessDate = p.clock.DayKey(now)

	if p.recorder != nil {
		if err := p.recorder.RecordQuoteSnapshot(snap); err != nil {
			log.WithError(err).Warn("snapshot record failed")
		}
	}
	if p.onSnap != nil {
		p.onSnap(snap)
	}

	log.WithFields(logger.Fields{
		"price":       snap.Price,
		"change_rate": snap.ChangeRate,
	}).Info("quotation recorded")
}
