// Package history materializes a per-minute record of every open order
// plus the spread and liquidity implied by it. It replays the same
// event log as the engine through the same book logic, but on its own
// cursor, so a fresh deployment can backfill minutes independently of
// the live feed.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/econia-labs/econia-sub000/internal/book"
	"github.com/econia-labs/econia-sub000/internal/event"
	"github.com/econia-labs/econia-sub000/internal/feed"
	"github.com/econia-labs/econia-sub000/internal/observability"
	"github.com/econia-labs/econia-sub000/internal/source"
)

// Rows per multi-row INSERT.
const insertChunk = 500

// Config tunes the pipeline.
type Config struct {
	// PollInterval is the wait between runs.
	PollInterval time.Duration

	// BatchSpan bounds one replay step in transaction versions, keeping
	// memory flat while backfilling a long gap.
	BatchSpan uint64

	// MaxMinutesPerRun bounds one transaction's work; the next run
	// continues from the advanced cursor.
	MaxMinutesPerRun int
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.BatchSpan == 0 {
		c.BatchSpan = 10_000
	}
	if c.MaxMinutesPerRun == 0 {
		c.MaxMinutesPerRun = 120
	}
	return c
}

// Pipeline replays events minute by minute. State lives in memory and
// is rebuilt from genesis on process start; only the snapshot rows and
// the minute cursor are durable.
type Pipeline struct {
	db      *sql.DB
	src     *source.PostgresSource
	cfg     Config
	state   *book.ContractState
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPipeline(db *sql.DB, src *source.PostgresSource, cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		db:      db,
		src:     src,
		cfg:     cfg.withDefaults(),
		state:   book.NewContractState(),
		metrics: metrics,
		log:     log,
	}
}

// Run loops until the context ends. Divergence errors stop the
// pipeline; anything else is logged and retried next interval.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.runOnce(ctx); err != nil {
			if book.IsFatal(err) {
				p.log.Error().Err(err).Msg("stopping: event log diverged from order history state")
				return err
			}
			p.metrics.HistoryErrors.Inc()
			p.log.Warn().Err(err).Msg("order history run failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runOnce indexes every whole minute between the cursor and the latest
// event, all inside one repeatable-read transaction.
func (p *Pipeline) runOnce(ctx context.Context) error {
	started := time.Now()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer tx.Rollback()

	lastIndexed, ok, err := p.loadCursor(ctx, tx)
	if err != nil {
		return err
	}
	latest, haveEvents, err := latestEventTime(ctx, tx)
	if err != nil {
		return err
	}
	if !haveEvents {
		return tx.Commit()
	}
	if !ok {
		// First run: start the cursor at the minute before the first
		// event so the first indexed minute includes it.
		first, _, err := firstEventTime(ctx, tx)
		if err != nil {
			return err
		}
		lastIndexed = first.Truncate(time.Minute).Add(-time.Minute)
	}

	minutes := minutesBetween(lastIndexed, latest, p.cfg.MaxMinutesPerRun)
	if len(minutes) == 0 {
		return tx.Commit()
	}

	groups, err := loadGroups(ctx, tx)
	if err != nil {
		return err
	}

	// Replay onto a working copy; a failed run must not leave the state
	// ahead of the durable cursor, or the retry would snapshot early
	// minutes from a book that already includes later events.
	working := p.state.Clone()
	for _, minute := range minutes {
		if err := p.advanceTo(ctx, tx, working, minute); err != nil {
			return err
		}
		if err := p.writeSnapshot(ctx, tx, working, minute, groups); err != nil {
			return err
		}
	}

	if err := p.saveCursor(ctx, tx, minutes[len(minutes)-1]); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history transaction: %w", err)
	}
	p.state = working

	p.metrics.HistoryMinutesIndexed.Add(float64(len(minutes)))
	p.metrics.HistoryRunDuration.Observe(time.Since(started).Seconds())
	p.log.Info().
		Int("minutes", len(minutes)).
		Time("through", minutes[len(minutes)-1]).
		Msg("order history advanced")
	return nil
}

// advanceTo replays events through the last transaction before the
// minute boundary, in bounded spans.
func (p *Pipeline) advanceTo(ctx context.Context, tx *sql.Tx, state *book.ContractState, minute time.Time) error {
	for {
		batch, err := p.src.FetchEventsTx(ctx, tx, state.Position, minute, p.cfg.BatchSpan)
		if err != nil {
			return err
		}
		if batch.EndVersion == state.Position.TxnVersion {
			return nil
		}
		for _, ev := range source.Merge(batch) {
			if err := state.Apply(ev); err != nil && !book.IsWarning(err) {
				return err
			}
		}
		if state.Position.TxnVersion < batch.EndVersion {
			state.Position = event.BlockStamp{TxnVersion: batch.EndVersion}
		}
	}
}

func (p *Pipeline) writeSnapshot(ctx context.Context, tx *sql.Tx, state *book.ContractState, minute time.Time, groups feed.Groups) error {
	type orderRow struct {
		market int64
		id     string
		order  *book.LimitOrder
	}
	var orders []orderRow
	for marketID, m := range state.Markets {
		for id, o := range m.Asks {
			orders = append(orders, orderRow{int64(marketID), string(id), o})
		}
		for id, o := range m.Bids {
			orders = append(orders, orderRow{int64(marketID), string(id), o})
		}
	}

	for lo := 0; lo < len(orders); lo += insertChunk {
		hi := lo + insertChunk
		if hi > len(orders) {
			hi = len(orders)
		}
		rows := orders[lo:hi]
		values := make([]string, 0, len(rows))
		args := make([]interface{}, 0, len(rows)*7)
		for i, r := range rows {
			base := i * 7
			values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7))
			args = append(args, minute, r.market, r.id, r.order.User,
				r.order.Side == event.SideAsk, r.order.Price, r.order.Size)
		}
		query := `INSERT INTO order_history (time, market_id, order_id, "user", side, price, size) VALUES ` +
			strings.Join(values, ", ") + ` ON CONFLICT (time, market_id, order_id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert order history: %w", err)
		}
	}

	for _, r := range feed.ComputeSpreads(state) {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO spread_history (time, market_id, min_ask, max_bid)
VALUES ($1, $2, $3, $4)
ON CONFLICT (time, market_id) DO NOTHING`,
			minute, int64(r.MarketID), r.MinAsk, r.MaxBid); err != nil {
			return fmt.Errorf("insert minute spread: %w", err)
		}
	}

	liquidity, groupLiquidity := feed.ComputeLiquidity(state, groups)
	for _, r := range liquidity {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO liquidity_history (time, market_id, bps_times_ten, base, quote)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (time, market_id, bps_times_ten) DO NOTHING`,
			minute, int64(r.MarketID), r.BPSTimesTen, r.Base, r.Quote); err != nil {
			return fmt.Errorf("insert minute liquidity: %w", err)
		}
	}
	for _, r := range groupLiquidity {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO group_liquidity_history (time, group_id, bps_times_ten, base, quote)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (time, group_id, bps_times_ten) DO NOTHING`,
			minute, r.GroupID, r.BPSTimesTen, r.Base, r.Quote); err != nil {
			return fmt.Errorf("insert minute group liquidity: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) loadCursor(ctx context.Context, tx *sql.Tx) (time.Time, bool, error) {
	var t time.Time
	err := tx.QueryRowContext(ctx,
		`SELECT last_indexed_timestamp FROM order_history_checkpoint`).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load history cursor: %w", err)
	}
	return t.UTC(), true, nil
}

func (p *Pipeline) saveCursor(ctx context.Context, tx *sql.Tx, t time.Time) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO order_history_checkpoint (id, last_indexed_timestamp)
VALUES (TRUE, $1)
ON CONFLICT (id) DO UPDATE SET last_indexed_timestamp = EXCLUDED.last_indexed_timestamp`,
		t); err != nil {
		return fmt.Errorf("save history cursor: %w", err)
	}
	return nil
}

// minutesBetween lists whole-minute boundaries after last, up to the
// latest event time, capped at limit.
func minutesBetween(last, latest time.Time, limit int) []time.Time {
	var out []time.Time
	for t := last.Add(time.Minute); !t.After(latest) && len(out) < limit; t = t.Add(time.Minute) {
		out = append(out, t)
	}
	return out
}

const eventTimeBoundsSQL = `
SELECT %s(t) FROM (
    SELECT %s(time) AS t FROM market_registration_events
    UNION ALL SELECT %s(time) FROM place_limit_order_events
    UNION ALL SELECT %s(time) FROM place_market_order_events
    UNION ALL SELECT %s(time) FROM place_swap_order_events
    UNION ALL SELECT %s(time) FROM fill_events
    UNION ALL SELECT %s(time) FROM cancel_order_events
    UNION ALL SELECT %s(time) FROM change_order_size_events
    UNION ALL SELECT %s(time) FROM balance_updates_by_handle
) AS bounds`

func eventTimeBound(ctx context.Context, tx *sql.Tx, fn string) (time.Time, bool, error) {
	query := fmt.Sprintf(eventTimeBoundsSQL, fn, fn, fn, fn, fn, fn, fn, fn, fn)
	var t sql.NullTime
	if err := tx.QueryRowContext(ctx, query).Scan(&t); err != nil {
		return time.Time{}, false, fmt.Errorf("event time bound: %w", err)
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time.UTC(), true, nil
}

func latestEventTime(ctx context.Context, tx *sql.Tx) (time.Time, bool, error) {
	return eventTimeBound(ctx, tx, "MAX")
}

func firstEventTime(ctx context.Context, tx *sql.Tx) (time.Time, bool, error) {
	return eventTimeBound(ctx, tx, "MIN")
}

func loadGroups(ctx context.Context, tx *sql.Tx) (feed.Groups, error) {
	g := feed.Groups{
		Address: make(map[string]int32),
		Market:  make(map[event.MarketID]int32),
	}
	rows, err := tx.QueryContext(ctx, `SELECT address, market_id, group_id FROM liquidity_groups`)
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
