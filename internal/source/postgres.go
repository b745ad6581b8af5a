package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/econia-labs/econia-sub000/internal/event"
)

// PostgresSource reads the per-type event tables maintained by the
// chain indexer. Each fetch runs inside a single repeatable-read
// read-only transaction so the eight table reads see one snapshot.
type PostgresSource struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewPostgresSource(db *sql.DB, log zerolog.Logger) *PostgresSource {
	return &PostgresSource{db: db, log: log}
}

const maxTxnVersionBeforeSQL = `
SELECT MAX(v) FROM (
    SELECT MAX(txn_version) AS v FROM market_registration_events WHERE time < $1
    UNION ALL SELECT MAX(txn_version) FROM place_limit_order_events WHERE time < $1
    UNION ALL SELECT MAX(txn_version) FROM place_market_order_events WHERE time < $1
    UNION ALL SELECT MAX(txn_version) FROM place_swap_order_events WHERE time < $1
    UNION ALL SELECT MAX(txn_version) FROM fill_events WHERE time < $1
    UNION ALL SELECT MAX(txn_version) FROM cancel_order_events WHERE time < $1
    UNION ALL SELECT MAX(txn_version) FROM change_order_size_events WHERE time < $1
    UNION ALL SELECT MAX(txn_version) FROM balance_updates_by_handle WHERE time < $1
) AS versions`

// MaxTxnVersionBefore implements EventSource.
func (s *PostgresSource) MaxTxnVersionBefore(ctx context.Context, t time.Time) (uint64, bool, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, maxTxnVersionBeforeSQL, t).Scan(&v); err != nil {
		return 0, false, fmt.Errorf("max txn version before %s: %w", t, err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return uint64(v.Int64), true, nil
}

// FetchEvents implements EventSource.
func (s *PostgresSource) FetchEvents(ctx context.Context, since event.BlockStamp, until time.Time, maxSpan uint64) (*EventBatch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("begin fetch transaction: %w", err)
	}
	defer tx.Rollback()

	batch, err := s.FetchEventsTx(ctx, tx, since, until, maxSpan)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fetch transaction: %w", err)
	}
	return batch, nil
}

// FetchEventsTx fetches inside a caller-owned transaction, letting the
// order history pipeline read events and write snapshots atomically.
func (s *PostgresSource) FetchEventsTx(ctx context.Context, tx *sql.Tx, since event.BlockStamp, until time.Time, maxSpan uint64) (*EventBatch, error) {
	var horizon sql.NullInt64
	if err := tx.QueryRowContext(ctx, maxTxnVersionBeforeSQL, until).Scan(&horizon); err != nil {
		return nil, fmt.Errorf("fetch horizon: %w", err)
	}
	if !horizon.Valid || uint64(horizon.Int64) <= since.TxnVersion {
		return &EventBatch{EndVersion: since.TxnVersion}, nil
	}

	hi := since.TxnVersion + maxSpan
	if h := uint64(horizon.Int64); h < hi {
		hi = h
	}
	lo := since.TxnVersion

	batch := &EventBatch{EndVersion: hi}
	var err error
	if batch.Registrations, err = fetchRegistrations(ctx, tx, lo, hi); err != nil {
		return nil, err
	}
	if batch.LimitOrders, err = fetchLimitOrders(ctx, tx, lo, hi); err != nil {
		return nil, err
	}
	if batch.MarketOrders, err = fetchMarketOrders(ctx, tx, lo, hi); err != nil {
		return nil, err
	}
	if batch.SwapOrders, err = fetchSwapOrders(ctx, tx, lo, hi); err != nil {
		return nil, err
	}
	if batch.Fills, err = fetchFills(ctx, tx, lo, hi); err != nil {
		return nil, err
	}
	if batch.Cancels, err = fetchCancels(ctx, tx, lo, hi); err != nil {
		return nil, err
	}
	if batch.SizeChanges, err = fetchSizeChanges(ctx, tx, lo, hi); err != nil {
		return nil, err
	}
	if batch.BalanceUpdates, err = fetchBalanceUpdates(ctx, tx, lo, hi); err != nil {
		return nil, err
	}

	s.log.Debug().
		Uint64("from_version", lo).
		Uint64("to_version", hi).
		Int("events", batch.Len()).
		Msg("fetched event batch")
	return batch, nil
}

func sideFromBool(ask bool) event.Side {
	if ask {
		return event.SideAsk
	}
	return event.SideBid
}

func fetchRegistrations(ctx context.Context, tx *sql.Tx, lo, hi uint64) ([]*event.MarketRegistration, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT txn_version, event_idx, market_id, time,
       COALESCE(base_name_generic, base_account_address || '::' || base_module_name || '::' || base_struct_name),
       quote_account_address || '::' || quote_module_name || '::' || quote_struct_name,
       lot_size, tick_size, min_size, underwriter_id
FROM market_registration_events
WHERE txn_version > $1 AND txn_version <= $2
ORDER BY txn_version, event_idx`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query market registrations: %w", err)
	}
	defer rows.Close()

	var out []*event.MarketRegistration
	for rows.Next() {
		e := &event.MarketRegistration{}
		var txn, idx, market int64
		if err := rows.Scan(&txn, &idx, &market, &e.Timestamp,
			&e.BaseName, &e.QuoteName,
			&e.LotSize, &e.TickSize, &e.MinSize, &e.UnderwriterID); err != nil {
			return nil, fmt.Errorf("scan market registration: %w", err)
		}
		setHeader(&e.Header, txn, idx, market)
		out = append(out, e)
	}
	return out, rows.Err()
}

func fetchLimitOrders(ctx context.Context, tx *sql.Tx, lo, hi uint64) ([]*event.PlaceLimitOrder, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT txn_version, event_idx, market_id, time, order_id, "user",
       custodian_id, side, integrator, initial_size, price, size, restriction
FROM place_limit_order_events
WHERE txn_version > $1 AND txn_version <= $2
ORDER BY txn_version, event_idx`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query limit order placements: %w", err)
	}
	defer rows.Close()

	var out []*event.PlaceLimitOrder
	for rows.Next() {
		e := &event.PlaceLimitOrder{}
		var txn, idx, market int64
		var orderID string
		var ask bool
		if err := rows.Scan(&txn, &idx, &market, &e.Timestamp, &orderID, &e.User,
			&e.CustodianID, &ask, &e.Integrator, &e.InitialSize, &e.Price, &e.Size,
			&e.Restriction); err != nil {
			return nil, fmt.Errorf("scan limit order placement: %w", err)
		}
		setHeader(&e.Header, txn, idx, market)
		e.OrderID = event.OrderID(orderID)
		e.Side = sideFromBool(ask)
		out = append(out, e)
	}
	return out, rows.Err()
}

func fetchMarketOrders(ctx context.Context, tx *sql.Tx, lo, hi uint64) ([]*event.PlaceMarketOrder, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT txn_version, event_idx, market_id, time, order_id, "user",
       custodian_id, direction, integrator, size
FROM place_market_order_events
WHERE txn_version > $1 AND txn_version <= $2
ORDER BY txn_version, event_idx`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query market order placements: %w", err)
	}
	defer rows.Close()

	var out []*event.PlaceMarketOrder
	for rows.Next() {
		e := &event.PlaceMarketOrder{}
		var txn, idx, market int64
		var orderID string
		var ask bool
		if err := rows.Scan(&txn, &idx, &market, &e.Timestamp, &orderID, &e.User,
			&e.CustodianID, &ask, &e.Integrator, &e.Size); err != nil {
			return nil, fmt.Errorf("scan market order placement: %w", err)
		}
		setHeader(&e.Header, txn, idx, market)
		e.OrderID = event.OrderID(orderID)
		e.Direction = sideFromBool(ask)
		out = append(out, e)
	}
	return out, rows.Err()
}

func fetchSwapOrders(ctx context.Context, tx *sql.Tx, lo, hi uint64) ([]*event.PlaceSwapOrder, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT txn_version, event_idx, market_id, time, order_id, signing_account,
       direction, integrator, limit_price, max_base, max_quote, min_base, min_quote
FROM place_swap_order_events
WHERE txn_version > $1 AND txn_version <= $2
ORDER BY txn_version, event_idx`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query swap order placements: %w", err)
	}
	defer rows.Close()

	var out []*event.PlaceSwapOrder
	for rows.Next() {
		e := &event.PlaceSwapOrder{}
		var txn, idx, market int64
		var orderID string
		var ask bool
		if err := rows.Scan(&txn, &idx, &market, &e.Timestamp, &orderID, &e.SigningAccount,
			&ask, &e.Integrator, &e.LimitPrice, &e.MaxBase, &e.MaxQuote, &e.MinBase,
			&e.MinQuote); err != nil {
			return nil, fmt.Errorf("scan swap order placement: %w", err)
		}
		setHeader(&e.Header, txn, idx, market)
		e.OrderID = event.OrderID(orderID)
		e.Direction = sideFromBool(ask)
		out = append(out, e)
	}
	return out, rows.Err()
}

func fetchFills(ctx context.Context, tx *sql.Tx, lo, hi uint64) ([]*event.Fill, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT txn_version, event_idx, market_id, time, emit_address,
       maker_address, maker_custodian_id, maker_order_id, maker_side,
       taker_address, taker_custodian_id, taker_order_id,
       price, size, taker_quote_fees_paid, sequence_number_for_trade
FROM fill_events
WHERE txn_version > $1 AND txn_version <= $2
ORDER BY txn_version, event_idx`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []*event.Fill
	for rows.Next() {
		e := &event.Fill{}
		var txn, idx, market int64
		var makerID, takerID string
		var makerAsk bool
		if err := rows.Scan(&txn, &idx, &market, &e.Timestamp, &e.EmitAddress,
			&e.MakerAddress, &e.MakerCustodianID, &makerID, &makerAsk,
			&e.TakerAddress, &e.TakerCustodianID, &takerID,
			&e.Price, &e.Size, &e.TakerQuoteFeesPaid, &e.TradeSequence); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		setHeader(&e.Header, txn, idx, market)
		e.MakerOrderID = event.OrderID(makerID)
		e.TakerOrderID = event.OrderID(takerID)
		e.MakerSide = sideFromBool(makerAsk)
		out = append(out, e)
	}
	return out, rows.Err()
}

func fetchCancels(ctx context.Context, tx *sql.Tx, lo, hi uint64) ([]*event.Cancel, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT txn_version, event_idx, market_id, time, order_id, "user", custodian_id, reason
FROM cancel_order_events
WHERE txn_version > $1 AND txn_version <= $2
ORDER BY txn_version, event_idx`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query cancels: %w", err)
	}
	defer rows.Close()

	var out []*event.Cancel
	for rows.Next() {
		e := &event.Cancel{}
		var txn, idx, market int64
		var orderID string
		if err := rows.Scan(&txn, &idx, &market, &e.Timestamp, &orderID, &e.User,
			&e.CustodianID, &e.Reason); err != nil {
			return nil, fmt.Errorf("scan cancel: %w", err)
		}
		setHeader(&e.Header, txn, idx, market)
		e.OrderID = event.OrderID(orderID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func fetchSizeChanges(ctx context.Context, tx *sql.Tx, lo, hi uint64) ([]*event.ChangeSize, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT txn_version, event_idx, market_id, time, order_id, "user", custodian_id, side, new_size
FROM change_order_size_events
WHERE txn_version > $1 AND txn_version <= $2
ORDER BY txn_version, event_idx`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query size changes: %w", err)
	}
	defer rows.Close()

	var out []*event.ChangeSize
	for rows.Next() {
		e := &event.ChangeSize{}
		var txn, idx, market int64
		var orderID string
		var ask bool
		if err := rows.Scan(&txn, &idx, &market, &e.Timestamp, &orderID, &e.User,
			&e.CustodianID, &ask, &e.NewSize); err != nil {
			return nil, fmt.Errorf("scan size change: %w", err)
		}
		setHeader(&e.Header, txn, idx, market)
		e.OrderID = event.OrderID(orderID)
		e.Side = sideFromBool(ask)
		out = append(out, e)
	}
	return out, rows.Err()
}

func fetchBalanceUpdates(ctx context.Context, tx *sql.Tx, lo, hi uint64) ([]*event.BalanceUpdate, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT txn_version, event_idx, market_id, time, handle, custodian_id,
       base_total, base_available, base_ceiling,
       quote_total, quote_available, quote_ceiling
FROM balance_updates_by_handle
WHERE txn_version > $1 AND txn_version <= $2
ORDER BY txn_version, event_idx`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query balance updates: %w", err)
	}
	defer rows.Close()

	var out []*event.BalanceUpdate
	for rows.Next() {
		e := &event.BalanceUpdate{}
		var txn, idx, market int64
		if err := rows.Scan(&txn, &idx, &market, &e.Timestamp, &e.Handle, &e.CustodianID,
			&e.BaseTotal, &e.BaseAvailable, &e.BaseCeiling,
			&e.QuoteTotal, &e.QuoteAvailable, &e.QuoteCeiling); err != nil {
			return nil, fmt.Errorf("scan balance update: %w", err)
		}
		setHeader(&e.Header, txn, idx, market)
		out = append(out, e)
	}
	return out, rows.Err()
}

func setHeader(h *event.Header, txn, idx, market int64) {
	h.BlockStamp = event.BlockStamp{TxnVersion: uint64(txn), EventIndex: uint64(idx)}
	h.MarketID = event.MarketID(market)
	h.Timestamp = h.Timestamp.UTC()
}

var _ EventSource = (*PostgresSource)(nil)
