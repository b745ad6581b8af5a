package feed

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/econia-labs/econia-sub000/internal/book"
	"github.com/econia-labs/econia-sub000/internal/event"
)

func buildState(t *testing.T, evs ...event.Event) *book.ContractState {
	t.Helper()
	s := book.NewContractState()
	for _, ev := range evs {
		if err := s.Apply(ev); err != nil && !book.IsWarning(err) {
			t.Fatalf("Apply(%s %s): %v", ev.Type(), ev.Stamp(), err)
		}
	}
	return s
}

func place(txn uint64, market event.MarketID, id string, side event.Side, price, size int64) *event.PlaceLimitOrder {
	return &event.PlaceLimitOrder{
		Header:  hdr(txn, 0, market),
		OrderID: event.OrderID(id),
		User:    "0xabc",
		Side:    side,
		Price:   decimal.NewFromInt(price),
		Size:    decimal.NewFromInt(size),
	}
}

func TestComputeSpreadsBestPrices(t *testing.T) {
	s := buildState(t,
		&event.MarketRegistration{Header: hdr(1, 0, 7)},
		place(2, 7, "1", event.SideAsk, 105, 1),
		place(3, 7, "2", event.SideAsk, 101, 1),
		place(4, 7, "3", event.SideBid, 97, 1),
		place(5, 7, "4", event.SideBid, 99, 1),
	)

	rows := ComputeSpreads(s)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.MinAsk == nil || !r.MinAsk.Equal(decimal.NewFromInt(101)) {
		t.Errorf("min ask = %v, want 101", r.MinAsk)
	}
	if r.MaxBid == nil || !r.MaxBid.Equal(decimal.NewFromInt(99)) {
		t.Errorf("max bid = %v, want 99", r.MaxBid)
	}
	if sp := r.Spread(); sp == nil || !sp.Equal(decimal.NewFromInt(2)) {
		t.Errorf("spread = %v, want 2", sp)
	}
}

func TestComputeSpreadsOneSidedBook(t *testing.T) {
	s := buildState(t,
		&event.MarketRegistration{Header: hdr(1, 0, 7)},
		place(2, 7, "1", event.SideAsk, 105, 1),
	)

	rows := ComputeSpreads(s)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].MaxBid != nil {
		t.Error("max bid on empty bid side must be nil")
	}
	if rows[0].Spread() != nil {
		t.Error("spread over one-sided book must be nil")
	}
}

func TestComputeSpreadsSkipsEmptyMarkets(t *testing.T) {
	s := buildState(t, &event.MarketRegistration{Header: hdr(1, 0, 7)})
	if rows := ComputeSpreads(s); len(rows) != 0 {
		t.Fatalf("rows = %d for empty market, want 0", len(rows))
	}
}
