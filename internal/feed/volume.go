package feed

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/econia-labs/econia-sub000/internal/event"
)

// MarketVolume tracks one market's notional traded volume.
type MarketVolume struct {
	// Cumulative since market registration.
	Cumulative decimal.Decimal

	// Period covers only the current cycle's fills.
	Period decimal.Decimal
}

// Volume folds fills into per-market notional volume. Unlike the other
// calculators it is event driven: fills leave no trace in book state,
// so it consumes the cycle's ordered events directly.
type Volume struct {
	markets map[event.MarketID]*MarketVolume
}

func NewVolume() *Volume {
	return &Volume{markets: make(map[event.MarketID]*MarketVolume)}
}

// Restore seeds a market's cumulative volume from persisted rows on
// warm start.
func (v *Volume) Restore(market event.MarketID, cumulative decimal.Decimal) {
	v.markets[market] = &MarketVolume{Cumulative: cumulative}
}

// Clone returns a deep copy, mirroring the book's copy-apply-commit
// discipline so a failed cycle cannot leave volume half updated.
func (v *Volume) Clone() *Volume {
	out := &Volume{markets: make(map[event.MarketID]*MarketVolume, len(v.markets))}
	for id, mv := range v.markets {
		c := *mv
		out.markets[id] = &c
	}
	return out
}

// Update resets every period counter and folds the cycle's events.
// Only maker-emitted fill rows count; the taker-side duplicate of the
// same match would double the notional.
func (v *Volume) Update(events []event.Event) {
	for _, mv := range v.markets {
		mv.Period = decimal.Zero
	}
	for _, ev := range events {
		switch e := ev.(type) {
		case *event.MarketRegistration:
			if _, ok := v.markets[e.Market()]; !ok {
				v.markets[e.Market()] = &MarketVolume{}
			}
		case *event.Fill:
			if !e.MakerEmitted() {
				continue
			}
			mv, ok := v.markets[e.Market()]
			if !ok {
				mv = &MarketVolume{}
				v.markets[e.Market()] = mv
			}
			notional := e.Size.Mul(e.Price)
			mv.Cumulative = mv.Cumulative.Add(notional)
			mv.Period = mv.Period.Add(notional)
		}
	}
}

// Market returns one market's counters, or nil when unknown.
func (v *Volume) Market(id event.MarketID) *MarketVolume {
	return v.markets[id]
}

// Rows returns every market's counters ordered by market id.
func (v *Volume) Rows() []VolumeRow {
	rows := make([]VolumeRow, 0, len(v.markets))
	for id, mv := range v.markets {
		rows = append(rows, VolumeRow{MarketID: id, Cumulative: mv.Cumulative, Period: mv.Period})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].MarketID < rows[j].MarketID })
	return rows
}
