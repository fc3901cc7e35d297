package persistence_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"SimpleBet/internal/core"
	"SimpleBet/internal/event"
	"SimpleBet/internal/host"
	"SimpleBet/internal/ledger"
	fpmath "SimpleBet/internal/math"
	"SimpleBet/internal/observability"
	"SimpleBet/internal/persistence"
	tu "SimpleBet/internal/testutil"
)

func record(seq int64, data string) core.VersionedState {
	return core.VersionedState{
		Version:   core.SchemaVersion,
		Sequence:  seq,
		Data:      []byte(data),
		StateHash: [32]byte{byte(seq)},
		PrevHash:  [32]byte{byte(seq - 1)},
	}
}

func TestMemoryStateStore_EmptyLoad(t *testing.T) {
	s := persistence.NewMemoryStateStore()
	rec, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestMemoryStateStore_SequenceEnforced(t *testing.T) {
	ctx := context.Background()
	s := persistence.NewMemoryStateStore()

	if err := s.Save(ctx, record(1, `{"a":1}`)); err != nil {
		t.Fatalf("first save: %v", err)
	}

	tests := []struct {
		name string
		seq  int64
		want error
	}{
		{"replay", 1, core.ErrSequenceConflict},
		{"gap", 3, core.ErrSequenceConflict},
		{"next", 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Save(ctx, record(tt.seq, `{}`))
			if !errors.Is(err, tt.want) {
				t.Fatalf("save seq %d: got %v, want %v", tt.seq, err, tt.want)
			}
		})
	}

	rec, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Sequence != 2 {
		t.Errorf("sequence: got %d, want 2", rec.Sequence)
	}
}

func TestMemoryStateStore_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := persistence.NewMemoryStateStore()
	if err := s.Save(ctx, record(1, "abc")); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, _ := s.Load(ctx)
	rec.Data[0] = 'z'

	again, _ := s.Load(ctx)
	if string(again.Data) != "abc" {
		t.Errorf("stored data mutated through Load: %q", again.Data)
	}
}

func TestListMigrationFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_bet_history.up.sql":      {Data: []byte("--")},
		"000001_contract_state.up.sql":   {Data: []byte("--")},
		"000001_contract_state.down.sql": {Data: []byte("--")},
		"README.md":                      {Data: []byte("#")},
		"nested/000003_x.up.sql":         {Data: []byte("--")},
	}

	got, err := persistence.ListMigrationFiles(fsys, ".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"000001_contract_state.up.sql", "000002_bet_history.up.sql"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("file %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestListMigrationFiles_RepoMigrationsArePaired(t *testing.T) {
	fsys := os.DirFS("../../migrations")
	ups, err := persistence.ListMigrationFiles(fsys, ".up.sql")
	if err != nil {
		t.Fatalf("list up: %v", err)
	}
	downs, err := persistence.ListMigrationFiles(fsys, ".down.sql")
	if err != nil {
		t.Fatalf("list down: %v", err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("unpaired migrations: up=%v down=%v", ups, downs)
	}
}

func sampleOutput() core.CoreOutput {
	batch := ledger.NewBatch(1_700_000_000_000_000_000)
	batch.Sequence = 7
	batch.Add(ledger.EntryKindLossSettle, 3, "alice.near", fpmath.NewAmount(200_000), fpmath.NewAmount(1_100_000))

	evt := event.NewBetEvent("alice.near", event.BetResultLose, fpmath.NewAmount(100_000), host.Block{
		Height:    42,
		Timestamp: 1_700_000_000_000_000_000,
	})
	return core.CoreOutput{
		Op:        "resolve",
		Sequence:  7,
		StateHash: [32]byte{0xAB},
		Batch:     batch,
		Event:     &evt,
	}
}

func TestRowsFromOutput(t *testing.T) {
	out := sampleOutput()
	events, entries, err := persistence.RowsFromOutput(out)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("events: got %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Sequence != 7 || ev.Bettor != "alice.near" || ev.Result != "Lose" || ev.Bet != "100000" {
		t.Errorf("unexpected event row: %+v", ev)
	}
	if ev.BlockHeight != 42 {
		t.Errorf("block height: got %d", ev.BlockHeight)
	}
	if ev.StateHash[0] != 0xAB || len(ev.StateHash) != 32 {
		t.Errorf("state hash not carried: %x", ev.StateHash)
	}
	if _, err := event.Unmarshal(ev.Payload); err != nil {
		t.Errorf("payload is not a bet envelope: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("entries: got %d, want 1", len(entries))
	}
	en := entries[0]
	if en.Kind != "loss_settle" || en.Amount != "200000" || en.PoolAfter != "1100000" || en.Ticket != 3 {
		t.Errorf("unexpected entry row: %+v", en)
	}
	if en.BatchID != out.Batch.BatchID {
		t.Errorf("batch id: got %s, want %s", en.BatchID, out.Batch.BatchID)
	}
}

func TestRowsFromOutput_NoEvent(t *testing.T) {
	out := sampleOutput()
	out.Event = nil
	events, entries, err := persistence.RowsFromOutput(out)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(events) != 0 || len(entries) != 1 {
		t.Errorf("got %d events, %d entries", len(events), len(entries))
	}
}

type fakeFlusher struct {
	mu       sync.Mutex
	failures int
	calls    int
	events   []persistence.EventRow
	entries  []persistence.EntryRow
}

func (f *fakeFlusher) Flush(ctx context.Context, events []persistence.EventRow, entries []persistence.EntryRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	f.events = append(f.events, events...)
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeFlusher) written() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events), len(f.entries)
}

func TestPersistenceWorker_FlushesOnBatchSizeAndClose(t *testing.T) {
	flusher := &fakeFlusher{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	in := make(chan core.CoreOutput, 8)

	w := persistence.NewPersistenceWorker(flusher, in, 2, time.Hour, metrics, zerolog.Nop())

	for i := 0; i < 3; i++ {
		in <- sampleOutput()
	}
	close(in)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	events, entries := flusher.written()
	if events != 3 || entries != 3 {
		t.Errorf("written: events=%d entries=%d, want 3/3", events, entries)
	}
	if got := testutil.ToFloat64(metrics.PersistEventsWritten); got != 3 {
		t.Errorf("events metric: got %v", got)
	}
	if got := testutil.ToFloat64(metrics.PersistLastSequence); got != 7 {
		t.Errorf("last sequence metric: got %v", got)
	}
}

func TestPersistenceWorker_RetriesUntilSuccess(t *testing.T) {
	flusher := &fakeFlusher{failures: 2}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	in := make(chan core.CoreOutput, 1)

	w := persistence.NewPersistenceWorker(flusher, in, 1, time.Hour, metrics, zerolog.Nop())

	in <- sampleOutput()
	close(in)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	events, _ := flusher.written()
	if events != 1 {
		t.Errorf("events written: got %d, want 1", events)
	}
	if got := testutil.ToFloat64(metrics.PersistErrors.WithLabelValues("retry")); got != 2 {
		t.Errorf("retry metric: got %v, want 2", got)
	}
}

func TestPersistenceWorker_TimeoutFlush(t *testing.T) {
	flusher := &fakeFlusher{}
	in := make(chan core.CoreOutput, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := persistence.NewPersistenceWorker(flusher, in, 100, 10*time.Millisecond, nil, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	in <- sampleOutput()

	deadline := time.After(2 * time.Second)
	for {
		if n, _ := flusher.written(); n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout flush never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("run: got %v, want context.Canceled", err)
	}
}

// --- Integration ---

func TestPostgresStateStore_Integration(t *testing.T) {
	tu.RequireIntegration(t)
	db, cleanup := tu.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, os.DirFS("../../migrations"), zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := persistence.NewPostgresStateStore(db, "bet.test")
	if rec, err := s.Load(ctx); err != nil || rec != nil {
		t.Fatalf("empty load: rec=%v err=%v", rec, err)
	}

	if err := s.Save(ctx, record(1, `{"pool":"1"}`)); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := s.Save(ctx, record(3, `{}`)); !errors.Is(err, core.ErrSequenceConflict) {
		t.Fatalf("gap: got %v", err)
	}
	if err := s.Save(ctx, record(1, `{}`)); !errors.Is(err, core.ErrSequenceConflict) {
		t.Fatalf("replay: got %v", err)
	}
	if err := s.Save(ctx, record(2, `{"pool":"2"}`)); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	rec, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Sequence != 2 || string(rec.Data) != `{"pool":"2"}` || rec.StateHash[0] != 2 {
		t.Errorf("unexpected record: %+v", rec)
	}

	w := persistence.NewHistoryWriter(db, "bet.test")
	events, entries, _ := persistence.RowsFromOutput(sampleOutput())
	if err := w.Flush(ctx, events, entries); err != nil {
		t.Fatalf("flush history: %v", err)
	}
	// ON CONFLICT makes replays idempotent
	if err := w.Flush(ctx, events, entries); err != nil {
		t.Fatalf("replay history: %v", err)
	}
}

func TestRedisStateStore_Integration(t *testing.T) {
	tu.RequireIntegration(t)
	client, cleanup := tu.SetupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	s := persistence.NewRedisStateStore(client, "bet.test")

	if rec, err := s.Load(ctx); err != nil || rec != nil {
		t.Fatalf("empty load: rec=%v err=%v", rec, err)
	}
	if err := s.Save(ctx, record(1, `{"pool":"1"}`)); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := s.Save(ctx, record(1, `{}`)); !errors.Is(err, core.ErrSequenceConflict) {
		t.Fatalf("replay: got %v", err)
	}
	if err := s.Save(ctx, record(2, "\x00\xff")); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	rec, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Sequence != 2 || string(rec.Data) != "\x00\xff" || rec.PrevHash[0] != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestOpenStateStore(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := persistence.OpenStateStore(ctx, "memory", "bet.test", nil, "")
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := s.(*persistence.MemoryStateStore); !ok {
		t.Errorf("memory: got %T", s)
	}
	if err := closeFn(); err != nil {
		t.Errorf("close: %v", err)
	}

	if _, _, err := persistence.OpenStateStore(ctx, "postgres", "bet.test", nil, ""); err == nil {
		t.Error("postgres without db should fail")
	}
	if _, _, err := persistence.OpenStateStore(ctx, "sqlite", "bet.test", nil, ""); err == nil {
		t.Error("unknown kind should fail")
	}
}
