package book

import (
	"github.com/shopspring/decimal"

	"github.com/econia-labs/econia-sub000/internal/event"
)

// LimitOrder is an open order resting on the book.
type LimitOrder struct {
	// LastChanged is the stamp of the last event that touched the order.
	LastChanged event.BlockStamp

	// LastIncrease is the stamp of the last size increase. Increasing an
	// order's size forfeits its time priority.
	LastIncrease event.BlockStamp

	User        string
	CustodianID decimal.Decimal
	Side        event.Side
	Integrator  string
	Price       decimal.Decimal
	Size        decimal.Decimal
}

// Account is a user's market account as of the last balance update.
type Account struct {
	Handle         string
	CustodianID    decimal.Decimal
	BaseTotal      decimal.Decimal
	BaseAvailable  decimal.Decimal
	BaseCeiling    decimal.Decimal
	QuoteTotal     decimal.Decimal
	QuoteAvailable decimal.Decimal
	QuoteCeiling   decimal.Decimal
}

// MarketState is the reconstructed book for one market.
type MarketState struct {
	Asks     map[event.OrderID]*LimitOrder
	Bids     map[event.OrderID]*LimitOrder
	Accounts map[string]*Account

	// LastPrice is the last traded price; nil until the first fill.
	LastPrice *decimal.Decimal
}

func newMarketState() *MarketState {
	return &MarketState{
		Asks:     make(map[event.OrderID]*LimitOrder),
		Bids:     make(map[event.OrderID]*LimitOrder),
		Accounts: make(map[string]*Account),
	}
}

func (m *MarketState) sideOrders(s event.Side) map[event.OrderID]*LimitOrder {
	if s == event.SideBid {
		return m.Bids
	}
	return m.Asks
}

// ContractState is the full reconstructed state of the exchange.
// Position is the stamp of the last applied event; events must arrive
// in strictly increasing stamp order, exactly once.
type ContractState struct {
	Markets  map[event.MarketID]*MarketState
	Position event.BlockStamp
}

func NewContractState() *ContractState {
	return &ContractState{Markets: make(map[event.MarketID]*MarketState)}
}

// RestoreMarket returns the market's state, creating it when absent.
// Used by cache loaders that rebuild state outside the event flow.
func (s *ContractState) RestoreMarket(id event.MarketID) *MarketState {
	m, ok := s.Markets[id]
	if !ok {
		m = newMarketState()
		s.Markets[id] = m
	}
	return m
}

// Clone returns a deep copy. The engine applies each batch to a copy so
// a failed cycle leaves the committed state untouched.
func (s *ContractState) Clone() *ContractState {
	out := &ContractState{
		Markets:  make(map[event.MarketID]*MarketState, len(s.Markets)),
		Position: s.Position,
	}
	for id, m := range s.Markets {
		cm := &MarketState{
			Asks:     make(map[event.OrderID]*LimitOrder, len(m.Asks)),
			Bids:     make(map[event.OrderID]*LimitOrder, len(m.Bids)),
			Accounts: make(map[string]*Account, len(m.Accounts)),
		}
		for oid, o := range m.Asks {
			co := *o
			cm.Asks[oid] = &co
		}
		for oid, o := range m.Bids {
			co := *o
			cm.Bids[oid] = &co
		}
		for h, a := range m.Accounts {
			ca := *a
			cm.Accounts[h] = &ca
		}
		if m.LastPrice != nil {
			p := *m.LastPrice
			cm.LastPrice = &p
		}
		out.Markets[id] = cm
	}
	return out
}

// Apply folds one event into the state. A nil return or a Warning means
// the event was consumed and Position advanced; a FatalError means the
// state no longer matches the log and nothing was consumed.
func (s *ContractState) Apply(ev event.Event) error {
	stamp := ev.Stamp()
	if !s.Position.Less(stamp) {
		return fatalf(stamp, "event at or before position %s: duplicate or out of order", s.Position)
	}

	var warn error
	switch e := ev.(type) {
	case *event.MarketRegistration:
		if _, ok := s.Markets[e.Market()]; ok {
			return fatalf(stamp, "market %d registered twice", e.Market())
		}
		s.Markets[e.Market()] = newMarketState()

	case *event.PlaceLimitOrder:
		m, err := s.market(ev)
		if err != nil {
			return err
		}
		m.sideOrders(e.Side)[e.OrderID] = &LimitOrder{
			LastChanged: stamp,
			User:        e.User,
			CustodianID: e.CustodianID,
			Side:        e.Side,
			Integrator:  e.Integrator,
			Price:       e.Price,
			Size:        e.Size,
		}

	case *event.PlaceMarketOrder:
		// Taker orders never survive their own transaction: fills and a
		// cancel for the remainder land under the same txn version, so
		// the resting entry is gone before any feed reads the book.
		m, err := s.market(ev)
		if err != nil {
			return err
		}
		m.sideOrders(e.Direction)[e.OrderID] = &LimitOrder{
			LastChanged: stamp,
			User:        e.User,
			CustodianID: e.CustodianID,
			Side:        e.Direction,
			Integrator:  e.Integrator,
			Size:        e.Size,
		}

	case *event.PlaceSwapOrder:
		// Swaps have no market account and never rest on the book.
		if _, err := s.market(ev); err != nil {
			return err
		}

	case *event.Fill:
		m, err := s.market(ev)
		if err != nil {
			return err
		}
		// Each match is logged once per participant handle. Only the
		// maker-side row mutates the book; the duplicate is a no-op.
		if e.MakerEmitted() {
			reduce(m.sideOrders(e.MakerSide), e.MakerOrderID, e.Size, stamp)
			takerSide := event.SideAsk
			if e.MakerSide == event.SideAsk {
				takerSide = event.SideBid
			}
			reduce(m.sideOrders(takerSide), e.TakerOrderID, e.Size, stamp)
			p := e.Price
			m.LastPrice = &p
		}

	case *event.Cancel:
		m, err := s.market(ev)
		if err != nil {
			return err
		}
		if _, ok := m.Asks[e.OrderID]; ok {
			delete(m.Asks, e.OrderID)
		} else if _, ok := m.Bids[e.OrderID]; ok {
			delete(m.Bids, e.OrderID)
		} else {
			warn = warnf(stamp, "cancel for unknown order %s on market %d", e.OrderID, e.Market())
		}

	case *event.ChangeSize:
		m, err := s.market(ev)
		if err != nil {
			return err
		}
		o, ok := m.sideOrders(e.Side)[e.OrderID]
		if !ok {
			warn = warnf(stamp, "size change for unknown order %s on market %d", e.OrderID, e.Market())
			break
		}
		if e.NewSize.GreaterThan(o.Size) {
			o.LastIncrease = stamp
		}
		o.Size = e.NewSize
		o.LastChanged = stamp
		if o.Size.IsZero() {
			delete(m.sideOrders(e.Side), e.OrderID)
		}

	case *event.BalanceUpdate:
		m, err := s.market(ev)
		if err != nil {
			return err
		}
		m.Accounts[e.Handle] = &Account{
			Handle:         e.Handle,
			CustodianID:    e.CustodianID,
			BaseTotal:      e.BaseTotal,
			BaseAvailable:  e.BaseAvailable,
			BaseCeiling:    e.BaseCeiling,
			QuoteTotal:     e.QuoteTotal,
			QuoteAvailable: e.QuoteAvailable,
			QuoteCeiling:   e.QuoteCeiling,
		}

	default:
		return fatalf(stamp, "unhandled event type %s", ev.Type())
	}

	s.Position = stamp
	return warn
}

func (s *ContractState) market(ev event.Event) (*MarketState, error) {
	m, ok := s.Markets[ev.Market()]
	if !ok {
		return nil, fatalf(ev.Stamp(), "%s event for unregistered market %d", ev.Type(), ev.Market())
	}
	return m, nil
}

func reduce(orders map[event.OrderID]*LimitOrder, id event.OrderID, by decimal.Decimal, stamp event.BlockStamp) {
	o, ok := orders[id]
	if !ok {
		// Taker orders for swaps are never inserted; nothing to reduce.
		return
	}
	o.Size = o.Size.Sub(by)
	o.LastChanged = stamp
	if o.Size.LessThanOrEqual(decimal.Zero) {
		delete(orders, id)
	}
}
