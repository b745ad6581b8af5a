package feed

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/econia-labs/econia-sub000/internal/book"
	"github.com/econia-labs/econia-sub000/internal/event"
)

// Bands are tenths of a basis point around the last traded price. Band
// zero covers the whole book.
var Bands = []int32{0, 25, 50, 100, 250, 500, 1000, 2000}

var bandDivisor = decimal.NewFromInt(100_000)

// Groups assigns liquidity to operator-defined groups, either by the
// address that placed the order or by whole market.
type Groups struct {
	Address map[string]int32
	Market  map[event.MarketID]int32
}

// memberships returns every group an order belongs to. Address and
// market assignments are independent: an order matching both is
// credited to both groups.
func (g Groups) memberships(market event.MarketID, user string) []int32 {
	var ids []int32
	if id, ok := g.Market[market]; ok {
		ids = append(ids, id)
	}
	if id, ok := g.Address[user]; ok {
		ids = append(ids, id)
	}
	return ids
}

// ComputeLiquidity sums resting notional per market and band around
// the last traded price, asks valued at the last price into Base and
// bids at their own price into Quote. Markets that have never traded
// contribute nothing. Orders whose owner or market belongs to a group
// are additionally aggregated into group rows.
func ComputeLiquidity(s *book.ContractState, groups Groups) ([]LiquidityRow, []GroupLiquidityRow) {
	type key struct {
		market event.MarketID
		band   int32
	}
	type groupKey struct {
		group int32
		band  int32
	}
	perMarket := make(map[key]*LiquidityRow)
	perGroup := make(map[groupKey]*GroupLiquidityRow)

	for marketID, m := range s.Markets {
		if m.LastPrice == nil {
			continue
		}
		last := *m.LastPrice
		for _, band := range Bands {
			delta := last.Mul(decimal.NewFromInt32(band)).Div(bandDivisor)
			lo, hi := last.Sub(delta), last.Add(delta)

			row := &LiquidityRow{MarketID: marketID, BPSTimesTen: band}
			perMarket[key{marketID, band}] = row

			accumulate := func(o *book.LimitOrder) {
				if band != 0 && !(o.Price.GreaterThan(lo) && o.Price.LessThan(hi)) {
					return
				}
				var base, quote decimal.Decimal
				if o.Side == event.SideAsk {
					base = o.Size.Mul(last)
				} else {
					quote = o.Size.Mul(o.Price)
				}
				row.Base = row.Base.Add(base)
				row.Quote = row.Quote.Add(quote)

				for _, groupID := range groups.memberships(marketID, o.User) {
					gk := groupKey{groupID, band}
					g := perGroup[gk]
					if g == nil {
						g = &GroupLiquidityRow{GroupID: groupID, BPSTimesTen: band}
						perGroup[gk] = g
					}
					g.Base = g.Base.Add(base)
					g.Quote = g.Quote.Add(quote)
				}
			}
			for _, o := range m.Asks {
				accumulate(o)
			}
			for _, o := range m.Bids {
				accumulate(o)
			}
		}
	}

	rows := make([]LiquidityRow, 0, len(perMarket))
	for _, r := range perMarket {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].MarketID != rows[j].MarketID {
			return rows[i].MarketID < rows[j].MarketID
		}
		return rows[i].BPSTimesTen < rows[j].BPSTimesTen
	})

	groupRows := make([]GroupLiquidityRow, 0, len(perGroup))
	for _, r := range perGroup {
		groupRows = append(groupRows, *r)
	}
	sort.Slice(groupRows, func(i, j int) bool {
		if groupRows[i].GroupID != groupRows[j].GroupID {
			return groupRows[i].GroupID < groupRows[j].GroupID
		}
		return groupRows[i].BPSTimesTen < groupRows[j].BPSTimesTen
	})
	return rows, groupRows
}
