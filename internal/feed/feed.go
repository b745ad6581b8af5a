// Package feed derives market data rows from reconstructed book state.
// Calculators are pure over a read-only state snapshot so the engine
// can run them concurrently.
package feed

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/econia-labs/econia-sub000/internal/event"
)

// VolumeRow is one market's traded volume at a point in time.
type VolumeRow struct {
	MarketID   event.MarketID
	Cumulative decimal.Decimal
	Period     decimal.Decimal
}

// SpreadRow is one market's best prices. A nil side means the book is
// empty on that side.
type SpreadRow struct {
	MarketID event.MarketID
	MinAsk   *decimal.Decimal
	MaxBid   *decimal.Decimal
}

// LiquidityRow is the notional resting within one band around the last
// traded price. Base sums ask-side notional, Quote bid-side.
type LiquidityRow struct {
	MarketID    event.MarketID
	BPSTimesTen int32
	Base        decimal.Decimal
	Quote       decimal.Decimal
}

// GroupLiquidityRow aggregates liquidity across the markets and
// addresses assigned to one operator-defined group.
type GroupLiquidityRow struct {
	GroupID     int32
	BPSTimesTen int32
	Base        decimal.Decimal
	Quote       decimal.Decimal
}

// Outputs collects every derived row produced by one engine cycle; the
// checkpoint store commits them atomically with the cursor.
type Outputs struct {
	Timestamp      time.Time
	Volumes        []VolumeRow
	Spreads        []SpreadRow
	Liquidity      []LiquidityRow
	GroupLiquidity []GroupLiquidityRow
}
