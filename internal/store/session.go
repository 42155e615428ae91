package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"trendict/logger"
	"trendict/models"
)

// sessionRecord is the persisted shape of one trading day's candle series.
// The day key is stored redundantly so a stale slot can be detected even if
// it was written under the wrong key.
type sessionRecord struct {
	Day     string          `json:"day"`
	Candles []models.Candle `json:"candles"`
}

type saveJob struct {
	key     string
	payload []byte
}

// SessionStore persists the current trading day's candle series, one slot
// per instrument and day. Writes are fire-and-forget through a single
// worker so the aggregator never waits on storage; failures forgo
// durability for that write and nothing else.
type SessionStore struct {
	kv      KV
	log     *logger.Log
	jobs    chan saveJob
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewSessionStore(kv KV) *SessionStore {
	return &SessionStore{
		kv:   kv,
		log:  logger.GetLogger(),
		jobs: make(chan saveJob, 64),
	}
}

// Start launches the persistence worker.
func (s *SessionStore) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session store already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.worker(ctx)

	s.log.WithComponent("session_store").Info("session store started")
	return nil
}

// Stop drains queued writes and waits for the worker.
func (s *SessionStore) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.jobs)
	s.wg.Wait()
	s.log.WithComponent("session_store").Info("session store stopped")
}

func (s *SessionStore) worker(ctx context.Context) {
	defer s.wg.Done()

	log := s.log.WithComponent("session_store").WithFields(logger.Fields{"worker": "persist"})
	for {
		select {
		case <-ctx.Done():
			// Abandon whatever is still queued.
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			if err := s.kv.Set(job.key, job.payload); err != nil {
				log.WithError(err).Warn("slot write failed")
				continue
			}
			logger.IncrementStoreWrite(len(job.payload))
		}
	}
}

func candleKey(symbol, day string) string {
	return fmt.Sprintf("candles:%s:%s", symbol, day)
}

// SaveAsync queues a best-effort write of the full series. A full queue
// drops the write; the next tick will queue a fresh one.
func (s *SessionStore) SaveAsync(symbol, day string, series []models.Candle) {
	payload, err := json.Marshal(sessionRecord{Day: day, Candles: series})
	if err != nil {
		s.log.WithComponent("session_store").WithError(err).Warn("marshal series failed")
		return
	}
	select {
	case s.jobs <- saveJob{key: candleKey(symbol, day), payload: payload}:
	default:
	}
}

// Save writes the series synchronously. Used at teardown and by tests.
func (s *SessionStore) Save(symbol, day string, series []models.Candle) error {
	payload, err := json.Marshal(sessionRecord{Day: day, Candles: series})
	if err != nil {
		return fmt.Errorf("marshal series: %w", err)
	}
	if err := s.kv.Set(candleKey(symbol, day), payload); err != nil {
		return fmt.Errorf("save series: %w", err)
	}
	return nil
}

// Load restores the series saved for the given instrument and day. A slot
// recorded under a different day is stale: it is dropped and an empty
// series returned. All failures are best-effort and yield an empty series.
func (s *SessionStore) Load(symbol, day string) []models.Candle {
	log := s.log.WithComponent("session_store").WithFields(logger.Fields{
		"symbol": symbol,
		"day":    day,
	})

	data, ok, err := s.kv.Get(candleKey(symbol, day))
	if err != nil {
		log.WithError(err).Warn("slot read failed")
		return nil
	}
	if !ok {
		return nil
	}

	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.WithError(err).Warn("slot payload corrupt, dropping")
		s.Drop(symbol, day)
		return nil
	}
	if rec.Day != day {
		log.WithFields(logger.Fields{"stored_day": rec.Day}).Info("stale session slot, dropping")
		s.Drop(symbol, day)
		return nil
	}
	return rec.Candles
}

// Drop removes the persisted slot for the given instrument and day.
func (s *SessionStore) Drop(symbol, day string) {
	if err := s.kv.Delete(candleKey(symbol, day)); err != nil {
		s.log.WithComponent("session_store").WithError(err).Warn("slot delete failed")
	}
}
