package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/econia-labs/econia-sub000/internal/book"
	"github.com/econia-labs/econia-sub000/internal/event"
	"github.com/econia-labs/econia-sub000/internal/feed"
)

// Rows per multi-row INSERT. Keeps parameter counts well under the
// Postgres limit of 65535.
const insertChunk = 500

// PostgresStore implements Store on lib/pq.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewPostgresStore(db *sql.DB, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var txn, idx, span int64
	err := s.db.QueryRowContext(ctx, `
SELECT txn_version, event_idx, batch_span, updated_at
FROM aggregator_checkpoint`).Scan(&txn, &idx, &span, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.Position = event.BlockStamp{TxnVersion: uint64(txn), EventIndex: uint64(idx)}
	cp.BatchSpanHint = uint64(span)
	return cp, nil
}

// LoadState implements Store.
func (s *PostgresStore) LoadState(ctx context.Context) (*book.ContractState, error) {
	state := book.NewContractState()

	cp, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return state, nil
	}
	state.Position = cp.Position

	rows, err := s.db.QueryContext(ctx, `SELECT market_id, last_price FROM market_cache`)
	if err != nil {
		return nil, fmt.Errorf("load market cache: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var market int64
		var lastPrice decimal.NullDecimal
		if err := rows.Scan(&market, &lastPrice); err != nil {
			return nil, fmt.Errorf("scan market cache: %w", err)
		}
		m := state.RestoreMarket(event.MarketID(market))
		if lastPrice.Valid {
			p := lastPrice.Decimal
			m.LastPrice = &p
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orderRows, err := s.db.QueryContext(ctx, `
SELECT market_id, order_id, side, "user", custodian_id, integrator, price, size,
       last_changed_txn, last_changed_idx, last_increase_txn, last_increase_idx
FROM order_cache`)
	if err != nil {
		return nil, fmt.Errorf("load order cache: %w", err)
	}
	defer orderRows.Close()
	for orderRows.Next() {
		var market, chTxn, chIdx, incTxn, incIdx int64
		var orderID string
		var ask bool
		o := &book.LimitOrder{}
		if err := orderRows.Scan(&market, &orderID, &ask, &o.User, &o.CustodianID,
			&o.Integrator, &o.Price, &o.Size, &chTxn, &chIdx, &incTxn, &incIdx); err != nil {
			return nil, fmt.Errorf("scan order cache: %w", err)
		}
		o.Side = event.SideBid
		if ask {
			o.Side = event.SideAsk
		}
		o.LastChanged = event.BlockStamp{TxnVersion: uint64(chTxn), EventIndex: uint64(chIdx)}
		o.LastIncrease = event.BlockStamp{TxnVersion: uint64(incTxn), EventIndex: uint64(incIdx)}
		m := state.RestoreMarket(event.MarketID(market))
		if o.Side == event.SideAsk {
			m.Asks[event.OrderID(orderID)] = o
		} else {
			m.Bids[event.OrderID(orderID)] = o
		}
	}
	if err := orderRows.Err(); err != nil {
		return nil, err
	}

	accountRows, err := s.db.QueryContext(ctx, `
SELECT market_id, handle, custodian_id,
       base_total, base_available, base_ceiling,
       quote_total, quote_available, quote_ceiling
FROM account_cache`)
	if err != nil {
		return nil, fmt.Errorf("load account cache: %w", err)
	}
	defer accountRows.Close()
	for accountRows.Next() {
		var market int64
		a := &book.Account{}
		if err := accountRows.Scan(&market, &a.Handle, &a.CustodianID,
			&a.BaseTotal, &a.BaseAvailable, &a.BaseCeiling,
			&a.QuoteTotal, &a.QuoteAvailable, &a.QuoteCeiling); err != nil {
			return nil, fmt.Errorf("scan account cache: %w", err)
		}
		state.RestoreMarket(event.MarketID(market)).Accounts[a.Handle] = a
	}
	return state, accountRows.Err()
}

// LoadVolume implements Store.
func (s *PostgresStore) LoadVolume(ctx context.Context) (*feed.Volume, error) {
	v := feed.NewVolume()
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT ON (market_id) market_id, cumulative
FROM volume_history
ORDER BY market_id, time DESC`)
	if err != nil {
		return nil, fmt.Errorf("load volume: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var market int64
		var cumulative decimal.Decimal
		if err := rows.Scan(&market, &cumulative); err != nil {
			return nil, fmt.Errorf("scan volume: %w", err)
		}
		v.Restore(event.MarketID(market), cumulative)
	}
	return v, rows.Err()
}

// LoadGroups implements Store.
func (s *PostgresStore) LoadGroups(ctx context.Context) (feed.Groups, error) {
	g := feed.Groups{
		Address: make(map[string]int32),
		Market:  make(map[event.MarketID]int32),
	}
	rows, err := s.db.QueryContext(ctx, `SELECT address, market_id, group_id FROM liquidity_groups`)
	if err != nil {
		return g, fmt.Errorf("load liquidity groups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var address sql.NullString
		var market sql.NullInt64
		var groupID int32
		if err := rows.Scan(&address, &market, &groupID); err != nil {
			return g, fmt.Errorf("scan liquidity group: %w", err)
		}
		if address.Valid {
			g.Address[address.String] = groupID
		}
		if market.Valid {
			g.Market[event.MarketID(market.Int64)] = groupID
		}
	}
	return g, rows.Err()
}

// Commit implements Store.
func (s *PostgresStore) Commit(ctx context.Context, cp *Checkpoint, out *feed.Outputs, state *book.ContractState) error {
	commitID := uuid.New()
	started := time.Now()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertVolumes(ctx, tx, out); err != nil {
		return err
	}
	if err := insertSpreads(ctx, tx, out); err != nil {
		return err
	}
	if err := insertLiquidity(ctx, tx, out); err != nil {
		return err
	}
	if err := insertGroupLiquidity(ctx, tx, out); err != nil {
		return err
	}
	if err := rewriteStateCache(ctx, tx, state); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO aggregator_checkpoint (id, txn_version, event_idx, batch_span, updated_at)
VALUES (TRUE, $1, $2, $3, NOW())
ON CONFLICT (id) DO UPDATE SET
    txn_version = EXCLUDED.txn_version,
    event_idx   = EXCLUDED.event_idx,
    batch_span  = EXCLUDED.batch_span,
    updated_at  = EXCLUDED.updated_at`,
		int64(cp.Position.TxnVersion), int64(cp.Position.EventIndex), int64(cp.BatchSpanHint),
	); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cycle: %w", err)
	}

	s.log.Debug().
		Str("commit_id", commitID.String()).
		Str("position", cp.Position.String()).
		Dur("elapsed", time.Since(started)).
		Msg("cycle committed")
	return nil
}

// IsSerializationFailure reports whether err is a Postgres
// serialization or deadlock failure, which the engine retries.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func insertVolumes(ctx context.Context, tx *sql.Tx, out *feed.Outputs) error {
	for _, chunk := range chunks(len(out.Volumes)) {
		rows := out.Volumes[chunk.lo:chunk.hi]
		values := make([]string, 0, len(rows))
		args := make([]interface{}, 0, len(rows)*4)
		for i, r := range rows {
			base := i * 4
			values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
			args = append(args, out.Timestamp, int64(r.MarketID), r.Cumulative, r.Period)
		}
		query := `INSERT INTO volume_history (time, market_id, cumulative, period) VALUES ` +
			strings.Join(values, ", ") + ` ON CONFLICT (time, market_id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert volume rows: %w", err)
		}
	}
	return nil
}

func insertSpreads(ctx context.Context, tx *sql.Tx, out *feed.Outputs) error {
	for _, chunk := range chunks(len(out.Spreads)) {
		rows := out.Spreads[chunk.lo:chunk.hi]
		values := make([]string, 0, len(rows))
		args := make([]interface{}, 0, len(rows)*4)
		for i, r := range rows {
			base := i * 4
			values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
			args = append(args, out.Timestamp, int64(r.MarketID), r.MinAsk, r.MaxBid)
		}
		query := `INSERT INTO spread_history (time, market_id, min_ask, max_bid) VALUES ` +
			strings.Join(values, ", ") + ` ON CONFLICT (time, market_id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert spread rows: %w", err)
		}
	}
	return nil
}

func insertLiquidity(ctx context.Context, tx *sql.Tx, out *feed.Outputs) error {
	for _, chunk := range chunks(len(out.Liquidity)) {
		rows := out.Liquidity[chunk.lo:chunk.hi]
		values := make([]string, 0, len(rows))
		args := make([]interface{}, 0, len(rows)*5)
		for i, r := range rows {
			base := i * 5
			values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5))
			args = append(args, out.Timestamp, int64(r.MarketID), r.BPSTimesTen, r.Base, r.Quote)
		}
		query := `INSERT INTO liquidity_history (time, market_id, bps_times_ten, base, quote) VALUES ` +
			strings.Join(values, ", ") + ` ON CONFLICT (time, market_id, bps_times_ten) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert liquidity rows: %w", err)
		}
	}
	return nil
}

func insertGroupLiquidity(ctx context.Context, tx *sql.Tx, out *feed.Outputs) error {
	for _, chunk := range chunks(len(out.GroupLiquidity)) {
		rows := out.GroupLiquidity[chunk.lo:chunk.hi]
		values := make([]string, 0, len(rows))
		args := make([]interface{}, 0, len(rows)*5)
		for i, r := range rows {
			base := i * 5
			values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5))
			args = append(args, out.Timestamp, r.GroupID, r.BPSTimesTen, r.Base, r.Quote)
		}
		query := `INSERT INTO group_liquidity_history (time, group_id, bps_times_ten, base, quote) VALUES ` +
			strings.Join(values, ", ") + ` ON CONFLICT (time, group_id, bps_times_ten) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert group liquidity rows: %w", err)
		}
	}
	return nil
}

func rewriteStateCache(ctx context.Context, tx *sql.Tx, state *book.ContractState) error {
	for _, table := range []string{"order_cache", "account_cache", "market_cache"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	type orderRow struct {
		market int64
		id     string
		order  *book.LimitOrder
	}
	var orders []orderRow
	for marketID, m := range state.Markets {
		var lastPrice *decimal.Decimal
		if m.LastPrice != nil {
			p := *m.LastPrice
			lastPrice = &p
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO market_cache (market_id, last_price) VALUES ($1, $2)`,
			int64(marketID), lastPrice,
		); err != nil {
			return fmt.Errorf("insert market cache: %w", err)
		}
		for id, o := range m.Asks {
			orders = append(orders, orderRow{int64(marketID), string(id), o})
		}
		for id, o := range m.Bids {
			orders = append(orders, orderRow{int64(marketID), string(id), o})
		}
		for _, a := range m.Accounts {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO account_cache (market_id, handle, custodian_id,
    base_total, base_available, base_ceiling,
    quote_total, quote_available, quote_ceiling)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				int64(marketID), a.Handle, a.CustodianID,
				a.BaseTotal, a.BaseAvailable, a.BaseCeiling,
				a.QuoteTotal, a.QuoteAvailable, a.QuoteCeiling,
			); err != nil {
				return fmt.Errorf("insert account cache: %w", err)
			}
		}
	}

	for _, chunk := range chunks(len(orders)) {
		rows := orders[chunk.lo:chunk.hi]
		values := make([]string, 0, len(rows))
		args := make([]interface{}, 0, len(rows)*12)
		for i, r := range rows {
			base := i * 12
			values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6,
				base+7, base+8, base+9, base+10, base+11, base+12))
			o := r.order
			args = append(args, r.market, r.id, o.Side == event.SideAsk, o.User, o.CustodianID,
				o.Integrator, o.Price, o.Size,
				int64(o.LastChanged.TxnVersion), int64(o.LastChanged.EventIndex),
				int64(o.LastIncrease.TxnVersion), int64(o.LastIncrease.EventIndex))
		}
		query := `INSERT INTO order_cache (market_id, order_id, side, "user", custodian_id,
    integrator, price, size, last_changed_txn, last_changed_idx, last_increase_txn, last_increase_idx)
VALUES ` + strings.Join(values, ", ")
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert order cache: %w", err)
		}
	}
	return nil
}

type span struct{ lo, hi int }

// chunks returns [lo, hi) windows of at most insertChunk elements.
func chunks(n int) []span {
	out := make([]span, 0, n/insertChunk+1)
	for lo := 0; lo < n; lo += insertChunk {
		hi := lo + insertChunk
		if hi > n {
			hi = n
		}
		out = append(out, span{lo, hi})
	}
	return out
}

var _ Store = (*PostgresStore)(nil)
