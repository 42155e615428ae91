package indices

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"trendict/internal/store"
	"trendict/logger"
	"trendict/models"
)

const slotKey = "indices:latest"

// UpdateFunc is invoked after every applied snapshot with the full board.
type UpdateFunc func(board []models.IndexSnapshot)

// Defaults returns the market board in display order with zero values.
// The dashboard always renders these three rows even before the first
// snapshot arrives.
func Defaults() []models.IndexSnapshot {
	return []models.IndexSnapshot{
		{Name: "KOSPI", Flag: "🇰🇷"},
		{Name: "KOSDAQ", Flag: "🇰🇷"},
		{Name: "KOSPI200", Flag: "🇰🇷"},
	}
}

// Reconciler maintains the latest snapshot per market index as an ordered
// board. Updates replace an existing entry in place so display order never
// changes; unknown names append at the end. A single consumer goroutine
// owns all writes.
type Reconciler struct {
	kv store.KV

	mu    sync.RWMutex
	board []models.IndexSnapshot

	snaps    <-chan models.IndexSnapshot
	onUpdate UpdateFunc

	ctx     context.Context
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
	log     *logger.Log
}

type Option func(*Reconciler)

func WithOnUpdate(fn UpdateFunc) Option {
	return func(r *Reconciler) { r.onUpdate = fn }
}

// NewReconciler seeds the board from the persisted slot when one exists,
// falling back to the default rows.
func NewReconciler(kv store.KV, snaps <-chan models.IndexSnapshot, opts ...Option) *Reconciler {
	r := &Reconciler{
		kv:    kv,
		snaps: snaps,
		log:   logger.GetLogger(),
	}
	for _, o := range opts {
		o(r)
	}

	r.board = r.restore()
	r.log.WithComponent("reconciler").WithFields(logger.Fields{"rows": len(r.board)}).Info("index board initialized")
	return r
}

// restore loads the persisted board and makes sure every default row is
// present, preserving persisted order for rows it already has.
func (r *Reconciler) restore() []models.IndexSnapshot {
	board := Defaults()

	data, ok, err := r.kv.Get(slotKey)
	if err != nil {
		r.log.WithComponent("reconciler").WithError(err).Warn("board slot read failed")
		return board
	}
	if !ok {
		return board
	}

	var persisted []models.IndexSnapshot
	if err := json.Unmarshal(data, &persisted); err != nil {
		r.log.WithComponent("reconciler").WithError(err).Warn("board slot corrupt, using defaults")
		return board
	}

	for _, def := range board {
		if indexOf(persisted, def.Name) < 0 {
			persisted = append(persisted, def)
		}
	}
	return persisted
}

func indexOf(board []models.IndexSnapshot, name string) int {
	for i := range board {
		if board[i].Name == name {
			return i
		}
	}
	return -1
}

// Start launches the snapshot consumer.
func (r *Reconciler) Start(ctx context.Context) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return fmt.Errorf("reconciler already running")
	}
	r.running = true
	r.ctx = ctx
	r.runMu.Unlock()

	r.wg.Add(1)
	go r.worker()

	r.log.WithComponent("reconciler").Info("reconciler started")
	return nil
}

// Stop waits for the consumer to drain.
func (r *Reconciler) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	r.runMu.Unlock()

	r.wg.Wait()
	r.log.WithComponent("reconciler").Info("reconciler stopped")
}

func (r *Reconciler) worker() {
	defer r.wg.Done()

	log := r.log.WithComponent("reconciler").WithFields(logger.Fields{"worker": "snapshot_consumer"})
	for {
		select {
		case <-r.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case snap, ok := <-r.snaps:
			if !ok {
				log.Info("snapshot channel closed, worker stopping")
				return
			}
			r.Upsert(snap)
		}
	}
}

// Upsert replaces the board entry with the same name, keeping its position,
// or appends a new row. The refreshed board is persisted unless every value
// on it is still zero.
func (r *Reconciler) Upsert(snap models.IndexSnapshot) {
	if snap.Name == "" {
		return
	}

	r.mu.Lock()
	if i := indexOf(r.board, snap.Name); i >= 0 {
		r.board[i] = snap
	} else {
		r.board = append(r.board, snap)
	}
	board := r.copyBoard()
	r.mu.Unlock()

	if !allZero(board) {
		r.persist(board)
	}
	if r.onUpdate != nil {
		r.onUpdate(board)
	}
}

func allZero(board []models.IndexSnapshot) bool {
	for _, s := range board {
		if s.Value != 0 {
			return false
		}
	}
	return true
}

func (r *Reconciler) persist(board []models.IndexSnapshot) {
	payload, err := json.Marshal(board)
	if err != nil {
		r.log.WithComponent("reconciler").WithError(err).Warn("marshal board failed")
		return
	}
	if err := r.kv.Set(slotKey, payload); err != nil {
		r.log.WithComponent("reconciler").WithError(err).Warn("board slot write failed")
		return
	}
	logger.IncrementStoreWrite(len(payload))
}

// Snapshots returns a copy of the board in display order.
func (r *Reconciler) Snapshots() []models.IndexSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyBoard()
}

func (r *Reconciler) copyBoard() []models.IndexSnapshot {
	out := make([]models.IndexSnapshot, len(r.board))
	copy(out, r.board)
	return out
}
