package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/econia-labs/econia-sub000/internal/book"
	"github.com/econia-labs/econia-sub000/internal/checkpoint"
	"github.com/econia-labs/econia-sub000/internal/event"
	"github.com/econia-labs/econia-sub000/internal/feed"
	"github.com/econia-labs/econia-sub000/internal/notify"
	"github.com/econia-labs/econia-sub000/internal/observability"
	"github.com/econia-labs/econia-sub000/internal/source"
)

// promauto registers into the default registry; one set per test binary.
var testMetrics = observability.NewMetrics()

// scriptedSource serves the same batches on every call so retries can
// refetch identical data.
type scriptedSource struct {
	batches map[uint64]*source.EventBatch
}

func (s *scriptedSource) FetchEvents(_ context.Context, since event.BlockStamp, _ time.Time, _ uint64) (*source.EventBatch, error) {
	if b, ok := s.batches[since.TxnVersion]; ok {
		return b, nil
	}
	return &source.EventBatch{EndVersion: since.TxnVersion}, nil
}

func (s *scriptedSource) MaxTxnVersionBefore(context.Context, time.Time) (uint64, bool, error) {
	return 0, false, nil
}

type commitRecord struct {
	cp      *checkpoint.Checkpoint
	outputs *feed.Outputs
	state   *book.ContractState
}

type fakeStore struct {
	cp       *checkpoint.Checkpoint
	commits  []commitRecord
	failNext error
}

func (f *fakeStore) Load(context.Context) (*checkpoint.Checkpoint, error) { return f.cp, nil }

func (f *fakeStore) LoadState(context.Context) (*book.ContractState, error) {
	return book.NewContractState(), nil
}

func (f *fakeStore) LoadVolume(context.Context) (*feed.Volume, error) {
	return feed.NewVolume(), nil
}

func (f *fakeStore) LoadGroups(context.Context) (feed.Groups, error) {
	return feed.Groups{}, nil
}

func (f *fakeStore) Commit(_ context.Context, cp *checkpoint.Checkpoint, out *feed.Outputs, state *book.ContractState) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.commits = append(f.commits, commitRecord{cp, out, state})
	return nil
}

func hdr(txn, idx uint64, market event.MarketID) event.Header {
	return event.Header{
		BlockStamp: event.BlockStamp{TxnVersion: txn, EventIndex: idx},
		MarketID:   market,
		Timestamp:  time.Unix(1_700_000_000, 0).UTC(),
	}
}

// tradingBatch registers market 7, rests an ask and a bid, then fills
// five lots at 100.
func tradingBatch() *source.EventBatch {
	return &source.EventBatch{
		Registrations: []*event.MarketRegistration{
			{Header: hdr(1, 0, 7)},
		},
		LimitOrders: []*event.PlaceLimitOrder{
			{Header: hdr(2, 0, 7), OrderID: "101", User: "0xa", Side: event.SideAsk,
				Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(10)},
			{Header: hdr(3, 0, 7), OrderID: "102", User: "0xb", Side: event.SideBid,
				Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(10)},
		},
		Fills: []*event.Fill{
			{Header: hdr(4, 0, 7), EmitAddress: "0xa", MakerAddress: "0xa",
				MakerOrderID: "101", TakerOrderID: "103", MakerSide: event.SideAsk,
				Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(5)},
		},
		EndVersion: 6,
	}
}

func newTestEngine(t *testing.T, store checkpoint.Store, src source.EventSource, notifications chan<- notify.Notification) *Engine {
	t.Helper()
	fetcher := source.NewFetcher(src, source.FetcherConfig{}, zerolog.Nop())
	e := New(fetcher, store, Config{}, testMetrics, observability.NewHealthChecker(), zerolog.Nop(), notifications)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e
}

func TestCycleCommitsBatch(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store, &scriptedSource{batches: map[uint64]*source.EventBatch{0: tradingBatch()}}, nil)

	applied, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if applied != 4 {
		t.Errorf("applied = %d, want 4", applied)
	}
	if len(store.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(store.commits))
	}

	c := store.commits[0]
	// The cursor covers the whole span, including eventless tail
	// transactions.
	if c.cp.Position != (event.BlockStamp{TxnVersion: 6}) {
		t.Errorf("checkpoint position = %s, want 6:0", c.cp.Position)
	}
	if e.Position() != c.cp.Position {
		t.Errorf("engine position = %s, want %s", e.Position(), c.cp.Position)
	}

	m := c.state.Markets[7]
	if m == nil {
		t.Fatal("market 7 missing from committed state")
	}
	if m.LastPrice == nil || !m.LastPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("last price = %v, want 100", m.LastPrice)
	}
	if !m.Asks["101"].Size.Equal(decimal.NewFromInt(5)) {
		t.Errorf("maker size = %s, want 5", m.Asks["101"].Size)
	}

	if len(c.outputs.Volumes) != 1 || !c.outputs.Volumes[0].Period.Equal(decimal.NewFromInt(500)) {
		t.Errorf("volume rows = %+v, want one row with period 500", c.outputs.Volumes)
	}
	if len(c.outputs.Spreads) != 1 {
		t.Fatalf("spread rows = %d, want 1", len(c.outputs.Spreads))
	}
	sp := c.outputs.Spreads[0]
	if sp.MinAsk == nil || !sp.MinAsk.Equal(decimal.NewFromInt(100)) {
		t.Errorf("min ask = %v, want 100", sp.MinAsk)
	}
	if sp.MaxBid == nil || !sp.MaxBid.Equal(decimal.NewFromInt(99)) {
		t.Errorf("max bid = %v, want 99", sp.MaxBid)
	}
	if len(c.outputs.Liquidity) == 0 {
		t.Error("no liquidity rows for traded market")
	}
}

func TestCycleStallsWhenHorizonUnmoved(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store, &scriptedSource{}, nil)

	applied, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if applied != 0 {
		t.Errorf("applied = %d on stall, want 0", applied)
	}
	if len(store.commits) != 0 {
		t.Error("stalled cycle must not commit")
	}
}

func TestCycleCommitFailureLeavesStateUntouched(t *testing.T) {
	store := &fakeStore{failNext: errors.New("connection reset")}
	e := newTestEngine(t, store, &scriptedSource{batches: map[uint64]*source.EventBatch{0: tradingBatch()}}, nil)

	if _, err := e.Cycle(context.Background()); err == nil {
		t.Fatal("Cycle succeeded despite commit failure")
	}
	if !e.Position().IsZero() {
		t.Errorf("position advanced past failed commit: %s", e.Position())
	}

	// Retry from the unchanged checkpoint succeeds with the same batch.
	applied, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if applied != 4 {
		t.Errorf("retry applied = %d, want 4", applied)
	}
	if e.Position() != (event.BlockStamp{TxnVersion: 6}) {
		t.Errorf("position after retry = %s", e.Position())
	}
}

func TestCycleFatalDivergenceStops(t *testing.T) {
	batch := tradingBatch()
	batch.Registrations = append(batch.Registrations,
		&event.MarketRegistration{Header: hdr(5, 0, 7)}) // duplicate market
	store := &fakeStore{}
	e := newTestEngine(t, store, &scriptedSource{batches: map[uint64]*source.EventBatch{0: batch}}, nil)

	_, err := e.Cycle(context.Background())
	if !book.IsFatal(err) {
		t.Fatalf("got %v, want fatal divergence", err)
	}
	if len(store.commits) != 0 {
		t.Error("diverged cycle must not commit")
	}
	if !e.Position().IsZero() {
		t.Errorf("position advanced past divergence: %s", e.Position())
	}
}

func TestCycleEmitsNotifications(t *testing.T) {
	ch := make(chan notify.Notification, 2) // smaller than the batch
	store := &fakeStore{}
	e := newTestEngine(t, store, &scriptedSource{batches: map[uint64]*source.EventBatch{0: tradingBatch()}}, ch)

	if _, err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(ch) != 2 {
		t.Fatalf("buffered notifications = %d, want 2 (rest dropped)", len(ch))
	}
	n := <-ch
	if n.EventType != "MarketRegistration" || n.TxnVersion != 1 {
		t.Errorf("first notification = %+v", n)
	}
}

func TestWarmStartRejectsMismatchedCache(t *testing.T) {
	store := &fakeStore{cp: &checkpoint.Checkpoint{Position: event.BlockStamp{TxnVersion: 9}}}
	fetcher := source.NewFetcher(&scriptedSource{}, source.FetcherConfig{}, zerolog.Nop())
	e := New(fetcher, store, Config{}, testMetrics, observability.NewHealthChecker(), zerolog.Nop(), nil)

	// fakeStore.LoadState returns genesis state, which cannot match a
	// checkpoint at txn version 9.
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("Start accepted state cache behind checkpoint")
	}
}
