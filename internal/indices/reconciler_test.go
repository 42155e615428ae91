package indices

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"trendict/internal/store"
	"trendict/models"
)

func TestDefaultsAlwaysPresent(t *testing.T) {
	r := NewReconciler(store.NewMemoryKV(), nil)

	board := r.Snapshots()
	names := []string{"KOSPI", "KOSDAQ", "KOSPI200"}
	if len(board) != len(names) {
		t.Fatalf("expected %d default rows, got %d", len(names), len(board))
	}
	for i, name := range names {
		if board[i].Name != name {
			t.Errorf("row %d = %s, want %s", i, board[i].Name, name)
		}
		if board[i].Value != 0 {
			t.Errorf("default row %s should be zero valued", name)
		}
	}
}

func TestUpsertKeepsPosition(t *testing.T) {
	r := NewReconciler(store.NewMemoryKV(), nil)

	r.Upsert(models.IndexSnapshot{Name: "KOSDAQ", Value: 850.12, Change: -3.40, ChangeRate: -0.40, Flag: "🇰🇷"})
	r.Upsert(models.IndexSnapshot{Name: "KOSPI", Value: 2785.49, Change: 12.30, ChangeRate: 0.44, Flag: "🇰🇷"})

	board := r.Snapshots()
	if board[0].Name != "KOSPI" || board[0].Value != 2785.49 {
		t.Fatalf("KOSPI must keep first position: %+v", board[0])
	}
	if board[1].Name != "KOSDAQ" || board[1].Value != 850.12 {
		t.Fatalf("KOSDAQ must keep second position: %+v", board[1])
	}
	if board[2].Name != "KOSPI200" || board[2].Value != 0 {
		t.Fatalf("untouched row must survive: %+v", board[2])
	}
}

func TestUpsertAppendsUnknownName(t *testing.T) {
	r := NewReconciler(store.NewMemoryKV(), nil)

	r.Upsert(models.IndexSnapshot{Name: "KRX100", Value: 5123.00, Flag: "🇰🇷"})

	board := r.Snapshots()
	if len(board) != 4 || board[3].Name != "KRX100" {
		t.Fatalf("unknown index should append at the end: %+v", board)
	}
}

func TestUpsertIgnoresEmptyName(t *testing.T) {
	r := NewReconciler(store.NewMemoryKV(), nil)
	r.Upsert(models.IndexSnapshot{Value: 100})
	if len(r.Snapshots()) != 3 {
		t.Fatalf("nameless snapshot must be ignored")
	}
}

func TestPersistSkippedWhileAllZero(t *testing.T) {
	kv := store.NewMemoryKV()
	r := NewReconciler(kv, nil)

	// A board that is still all zeros must not overwrite the slot.
	r.Upsert(models.IndexSnapshot{Name: "KOSPI", Value: 0, Flag: "🇰🇷"})
	if _, ok, _ := kv.Get(slotKey); ok {
		t.Fatalf("zero-valued board should not be persisted")
	}

	r.Upsert(models.IndexSnapshot{Name: "KOSPI", Value: 2785.49, Flag: "🇰🇷"})
	data, ok, _ := kv.Get(slotKey)
	if !ok {
		t.Fatalf("board with values should be persisted")
	}
	var persisted []models.IndexSnapshot
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal persisted board: %v", err)
	}
	if persisted[0].Value != 2785.49 {
		t.Fatalf("persisted board mismatch: %+v", persisted)
	}
}

func TestRestoreFromPersistedSlot(t *testing.T) {
	kv := store.NewMemoryKV()

	seed := []models.IndexSnapshot{
		{Name: "KOSPI", Value: 2785.49, Change: 12.30, ChangeRate: 0.44, Flag: "🇰🇷"},
		{Name: "KOSDAQ", Value: 850.12, Flag: "🇰🇷"},
		{Name: "KOSPI200", Value: 371.55, Flag: "🇰🇷"},
	}
	payload, _ := json.Marshal(seed)
	if err := kv.Set(slotKey, payload); err != nil {
		t.Fatalf("seed slot: %v", err)
	}

	r := NewReconciler(kv, nil)
	board := r.Snapshots()
	if board[0].Value != 2785.49 || board[2].Value != 371.55 {
		t.Fatalf("persisted values should be restored: %+v", board)
	}
}

func TestRestoreCorruptSlotFallsBack(t *testing.T) {
	kv := store.NewMemoryKV()
	if err := kv.Set(slotKey, []byte("not json")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := NewReconciler(kv, nil)
	if len(r.Snapshots()) != 3 {
		t.Fatalf("corrupt slot should fall back to defaults")
	}
}

func TestConsumerLoop(t *testing.T) {
	snaps := make(chan models.IndexSnapshot, 4)
	var updates int
	r := NewReconciler(store.NewMemoryKV(), snaps, WithOnUpdate(func([]models.IndexSnapshot) {
		updates++
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}

	snaps <- models.IndexSnapshot{Name: "KOSPI", Value: 2785.49, Flag: "🇰🇷"}

	deadline := time.After(2 * time.Second)
	for r.Snapshots()[0].Value == 0 {
		select {
		case <-deadline:
			t.Fatalf("consumer never applied the snapshot")
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(snaps)
	r.Stop()

	if updates == 0 {
		t.Fatalf("update callback never fired")
	}
}
