package feed

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/econia-labs/econia-sub000/internal/book"
)

// ComputeSpreads returns the best prices per market: lowest ask and
// highest bid among open orders. Markets with an empty book on both
// sides are skipped.
func ComputeSpreads(s *book.ContractState) []SpreadRow {
	rows := make([]SpreadRow, 0, len(s.Markets))
	for id, m := range s.Markets {
		if len(m.Asks) == 0 && len(m.Bids) == 0 {
			continue
		}
		row := SpreadRow{MarketID: id}
		for _, o := range m.Asks {
			if row.MinAsk == nil || o.Price.LessThan(*row.MinAsk) {
				p := o.Price
				row.MinAsk = &p
			}
		}
		for _, o := range m.Bids {
			if row.MaxBid == nil || o.Price.GreaterThan(*row.MaxBid) {
				p := o.Price
				row.MaxBid = &p
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].MarketID < rows[j].MarketID })
	return rows
}

// Spread returns MinAsk - MaxBid, or nil when either side is empty.
func (r SpreadRow) Spread() *decimal.Decimal {
	if r.MinAsk == nil || r.MaxBid == nil {
		return nil
	}
	d := r.MinAsk.Sub(*r.MaxBid)
	return &d
}
