package feed

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/econia-labs/econia-sub000/internal/event"
)

func hdr(txn, idx uint64, market event.MarketID) event.Header {
	return event.Header{
		BlockStamp: event.BlockStamp{TxnVersion: txn, EventIndex: idx},
		MarketID:   market,
		Timestamp:  time.Unix(1_700_000_000, 0).UTC(),
	}
}

func makerFill(txn, idx uint64, market event.MarketID, price, size int64) *event.Fill {
	return &event.Fill{
		Header:       hdr(txn, idx, market),
		EmitAddress:  "0xmaker",
		MakerAddress: "0xmaker",
		TakerAddress: "0xtaker",
		Price:        decimal.NewFromInt(price),
		Size:         decimal.NewFromInt(size),
	}
}

func TestVolumeCountsFillNotional(t *testing.T) {
	v := NewVolume()
	v.Update([]event.Event{
		&event.MarketRegistration{Header: hdr(1, 0, 7)},
		makerFill(4, 0, 7, 100, 5),
	})

	mv := v.Market(7)
	if mv == nil {
		t.Fatal("market 7 missing")
	}
	if !mv.Period.Equal(decimal.NewFromInt(500)) {
		t.Errorf("period = %s, want 500", mv.Period)
	}
	if !mv.Cumulative.Equal(decimal.NewFromInt(500)) {
		t.Errorf("cumulative = %s, want 500", mv.Cumulative)
	}
}

func TestVolumePeriodResetsEachCycle(t *testing.T) {
	v := NewVolume()
	v.Update([]event.Event{makerFill(1, 0, 7, 10, 2)})
	v.Update([]event.Event{makerFill(2, 0, 7, 10, 3)})

	mv := v.Market(7)
	if !mv.Period.Equal(decimal.NewFromInt(30)) {
		t.Errorf("period = %s, want 30", mv.Period)
	}
	if !mv.Cumulative.Equal(decimal.NewFromInt(50)) {
		t.Errorf("cumulative = %s, want 50", mv.Cumulative)
	}

	// An empty cycle still resets the period counter.
	v.Update(nil)
	if !v.Market(7).Period.IsZero() {
		t.Error("period not reset on empty cycle")
	}
}

func TestVolumeIgnoresTakerSideRows(t *testing.T) {
	v := NewVolume()
	taker := makerFill(1, 1, 7, 10, 2)
	taker.EmitAddress = "0xtaker"
	v.Update([]event.Event{makerFill(1, 0, 7, 10, 2), taker})

	if !v.Market(7).Cumulative.Equal(decimal.NewFromInt(20)) {
		t.Errorf("cumulative = %s, want 20 (taker-side row must not double count)", v.Market(7).Cumulative)
	}
}

func TestVolumeRestoreAndClone(t *testing.T) {
	v := NewVolume()
	v.Restore(7, decimal.NewFromInt(1000))

	c := v.Clone()
	c.Update([]event.Event{makerFill(1, 0, 7, 10, 1)})

	if !c.Market(7).Cumulative.Equal(decimal.NewFromInt(1010)) {
		t.Errorf("clone cumulative = %s, want 1010", c.Market(7).Cumulative)
	}
	if !v.Market(7).Cumulative.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("clone mutation leaked: %s", v.Market(7).Cumulative)
	}
}

func TestVolumeRowsSorted(t *testing.T) {
	v := NewVolume()
	v.Restore(9, decimal.NewFromInt(1))
	v.Restore(2, decimal.NewFromInt(2))
	v.Restore(5, decimal.NewFromInt(3))

	rows := v.Rows()
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].MarketID != 2 || rows[1].MarketID != 5 || rows[2].MarketID != 9 {
		t.Errorf("rows not sorted by market: %v", rows)
	}
}
