package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType discriminator for the closed set of order book events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketRegistration
	EventTypePlaceLimitOrder
	EventTypePlaceMarketOrder
	EventTypePlaceSwapOrder
	EventTypeFill
	EventTypeCancel
	EventTypeChangeSize
	EventTypeBalanceUpdate
)

func (et EventType) String() string {
	switch et {
	case EventTypeMarketRegistration:
		return "MarketRegistration"
	case EventTypePlaceLimitOrder:
		return "PlaceLimitOrder"
	case EventTypePlaceMarketOrder:
		return "PlaceMarketOrder"
	case EventTypePlaceSwapOrder:
		return "PlaceSwapOrder"
	case EventTypeFill:
		return "Fill"
	case EventTypeCancel:
		return "Cancel"
	case EventTypeChangeSize:
		return "ChangeSize"
	case EventTypeBalanceUpdate:
		return "BalanceUpdate"
	default:
		return "Unknown"
	}
}

// MarketID identifies a registered market.
type MarketID uint64

// OrderID is the decimal text of the on-chain order id. Order ids are
// 128-bit on chain, so they travel as NUMERIC text rather than uint64.
type OrderID string

// Side of the book an order rests on
type Side int32

const (
	SideAsk Side = iota
	SideBid
)

func (s Side) String() string {
	if s == SideBid {
		return "bid"
	}
	return "ask"
}

// Event is the interface all log entries implement
type Event interface {
	// Stamp returns the event's position in the total order
	Stamp() BlockStamp

	// Market returns the market the event belongs to
	Market() MarketID

	// Type returns the discriminator
	Type() EventType

	// Time returns the on-chain timestamp (NOT indexing wall-clock)
	Time() time.Time
}

// Header carries the fields common to every variant.
type Header struct {
	BlockStamp BlockStamp
	MarketID   MarketID
	Timestamp  time.Time
}

func (h Header) Stamp() BlockStamp { return h.BlockStamp }
func (h Header) Market() MarketID  { return h.MarketID }
func (h Header) Time() time.Time   { return h.Timestamp }

// MarketRegistration announces a new market. Exactly one per market id.
type MarketRegistration struct {
	Header
	BaseName      string
	QuoteName     string
	LotSize       decimal.Decimal
	TickSize      decimal.Decimal
	MinSize       decimal.Decimal
	UnderwriterID decimal.Decimal
}

func (e *MarketRegistration) Type() EventType { return EventTypeMarketRegistration }

// PlaceLimitOrder posts a limit order. Size is the remaining size left
// on the book after any immediate matching in the same transaction.
type PlaceLimitOrder struct {
	Header
	OrderID     OrderID
	User        string
	CustodianID decimal.Decimal
	Side        Side
	Integrator  string
	InitialSize decimal.Decimal
	Price       decimal.Decimal
	Size        decimal.Decimal
	Restriction int16
}

func (e *PlaceLimitOrder) Type() EventType { return EventTypePlaceLimitOrder }

// PlaceMarketOrder posts a taker order. It never rests: co-occurring
// fills and a cancel in the same transaction resolve it completely.
type PlaceMarketOrder struct {
	Header
	OrderID     OrderID
	User        string
	CustodianID decimal.Decimal
	Direction   Side
	Integrator  string
	Size        decimal.Decimal
}

func (e *PlaceMarketOrder) Type() EventType { return EventTypePlaceMarketOrder }

// PlaceSwapOrder is a signing-account swap against the book. Like a
// market order it is resolved within its own transaction.
type PlaceSwapOrder struct {
	Header
	OrderID        OrderID
	Direction      Side
	SigningAccount string
	Integrator     string
	LimitPrice     decimal.Decimal
	MaxBase        decimal.Decimal
	MaxQuote       decimal.Decimal
	MinBase        decimal.Decimal
	MinQuote       decimal.Decimal
}

func (e *PlaceSwapOrder) Type() EventType { return EventTypePlaceSwapOrder }

// Fill records a match between a maker and a taker order. The chain
// emits one row per participant handle; EmitAddress distinguishes them.
type Fill struct {
	Header
	EmitAddress        string
	MakerAddress       string
	MakerCustodianID   decimal.Decimal
	MakerOrderID       OrderID
	MakerSide          Side
	TakerAddress       string
	TakerCustodianID   decimal.Decimal
	TakerOrderID       OrderID
	Price              decimal.Decimal
	Size               decimal.Decimal
	TakerQuoteFeesPaid decimal.Decimal
	TradeSequence      decimal.Decimal
}

func (e *Fill) Type() EventType { return EventTypeFill }

// MakerEmitted reports whether this row is the maker-side emission.
// Only maker-side rows mutate book state; the duplicate taker-side row
// for the same match is informational.
func (e *Fill) MakerEmitted() bool {
	return e.EmitAddress == e.MakerAddress
}

// Cancel removes an order from the book.
type Cancel struct {
	Header
	OrderID     OrderID
	User        string
	CustodianID decimal.Decimal
	Reason      int16
}

func (e *Cancel) Type() EventType { return EventTypeCancel }

// ChangeSize replaces an open order's size.
type ChangeSize struct {
	Header
	OrderID     OrderID
	User        string
	CustodianID decimal.Decimal
	Side        Side
	NewSize     decimal.Decimal
}

func (e *ChangeSize) Type() EventType { return EventTypeChangeSize }

// BalanceUpdate snapshots a user's market account balances.
type BalanceUpdate struct {
	Header
	Handle         string
	CustodianID    decimal.Decimal
	BaseTotal      decimal.Decimal
	BaseAvailable  decimal.Decimal
	BaseCeiling    decimal.Decimal
	QuoteTotal     decimal.Decimal
	QuoteAvailable decimal.Decimal
	QuoteCeiling   decimal.Decimal
}

func (e *BalanceUpdate) Type() EventType { return EventTypeBalanceUpdate }
