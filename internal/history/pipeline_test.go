package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/econia-labs/econia-sub000/internal/checkpoint"
	"github.com/econia-labs/econia-sub000/internal/observability"
	"github.com/econia-labs/econia-sub000/internal/source"
	"github.com/econia-labs/econia-sub000/internal/testutil"
)

var testMetrics = observability.NewMetrics()

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

// ============================================================
// Run discipline (integration)
// ============================================================

// A run that fails mid-transaction must leave the in-memory state where
// the durable cursor is, so the retry does not snapshot early minutes
// from a book that already includes later events.
func TestPipelineRetryAfterFailedRun(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := checkpoint.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	seedHistoryEvents(ctx, t, db, base)

	p := NewPipeline(db, source.NewPostgresSource(db, zerolog.Nop()), Config{}, testMetrics, zerolog.Nop())

	// Break the minute snapshot write so the first run fails after the
	// book has already replayed events.
	if _, err := db.ExecContext(ctx, `ALTER TABLE spread_history RENAME TO spread_history_hold`); err != nil {
		t.Fatalf("rename spread_history: %v", err)
	}
	t.Cleanup(func() {
		db.Exec(`ALTER TABLE IF EXISTS spread_history_hold RENAME TO spread_history`)
	})

	if err := p.runOnce(ctx); err == nil {
		t.Fatal("run succeeded with spread_history missing")
	}
	if !p.state.Position.IsZero() {
		t.Fatalf("failed run advanced pipeline state to %s, want untouched", p.state.Position)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_history`).Scan(&n); err != nil {
		t.Fatalf("count order_history: %v", err)
	}
	if n != 0 {
		t.Fatalf("failed run left %d order_history rows, want 0", n)
	}

	if _, err := db.ExecContext(ctx, `ALTER TABLE spread_history_hold RENAME TO spread_history`); err != nil {
		t.Fatalf("restore spread_history: %v", err)
	}

	if err := p.runOnce(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if p.state.Position.TxnVersion != 3 {
		t.Errorf("position = %s, want txn 3", p.state.Position)
	}

	// 10:00 predates every event and must stay empty; order 101 is open
	// only at 10:01 (placed 10:00:20, cancelled 10:01:10).
	rows, err := db.QueryContext(ctx, `SELECT time, order_id FROM order_history ORDER BY time`)
	if err != nil {
		t.Fatalf("query order_history: %v", err)
	}
	defer rows.Close()
	var got []struct {
		at time.Time
		id string
	}
	for rows.Next() {
		var at time.Time
		var id string
		if err := rows.Scan(&at, &id); err != nil {
			t.Fatalf("scan order_history: %v", err)
		}
		got = append(got, struct {
			at time.Time
			id string
		}{at.UTC(), id})
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("order_history rows: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("order_history has %d rows, want 1: %v", len(got), got)
	}
	if !got[0].at.Equal(base.Add(time.Minute)) || got[0].id != "101" {
		t.Errorf("order_history row = %s order %s, want %s order 101",
			got[0].at, got[0].id, base.Add(time.Minute))
	}

	var cursor time.Time
	if err := db.QueryRowContext(ctx, `SELECT last_indexed_timestamp FROM order_history_checkpoint`).Scan(&cursor); err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if !cursor.UTC().Equal(base.Add(2 * time.Minute)) {
		t.Errorf("cursor = %s, want %s", cursor.UTC(), base.Add(2*time.Minute))
	}
}

// seedHistoryEvents writes a registration at base+10s, an ask placed at
// base+20s and cancelled at base+1m10s, and a second ask at base+2m10s
// that pushes the latest event time into the third minute.
func seedHistoryEvents(ctx context.Context, t *testing.T, db *sql.DB, base time.Time) {
	t.Helper()
	if _, err := db.ExecContext(ctx, `
INSERT INTO market_registration_events
    (txn_version, event_idx, market_id, time, quote_account_address,
     quote_module_name, quote_struct_name, lot_size, tick_size, min_size, underwriter_id)
VALUES (1, 0, 7, $1, '0x1', 'coin', 'USDC', 1, 1, 1, 0)`,
		base.Add(10*time.Second)); err != nil {
		t.Fatalf("seed registration: %v", err)
	}
	for _, o := range []struct {
		txn   int64
		id    int64
		price int64
		at    time.Time
	}{
		{2, 101, 100, base.Add(20 * time.Second)},
		{4, 102, 105, base.Add(2*time.Minute + 10*time.Second)},
	} {
		if _, err := db.ExecContext(ctx, `
INSERT INTO place_limit_order_events
    (txn_version, event_idx, market_id, time, order_id, "user",
     custodian_id, side, integrator, initial_size, price, size, restriction)
VALUES ($1, 0, 7, $2, $3, '0xa', 0, TRUE, '0x0', 10, $4, 10, 0)`,
			o.txn, o.at, o.id, o.price); err != nil {
			t.Fatalf("seed limit order %d: %v", o.id, err)
		}
	}
	if _, err := db.ExecContext(ctx, `
INSERT INTO cancel_order_events
    (txn_version, event_idx, market_id, time, order_id, "user", custodian_id, reason)
VALUES (3, 0, 7, $1, 101, '0xa', 0, 0)`,
		base.Add(time.Minute+10*time.Second)); err != nil {
		t.Fatalf("seed cancel: %v", err)
	}
}

// ============================================================
// Minute boundaries
// ============================================================

func TestMinutesBetween(t *testing.T) {
	tests := []struct {
		name   string
		last   string
		latest string
		limit  int
		want   []string
	}{
		{
			name:   "gap of three minutes",
			last:   "2026-01-02T10:00:00Z",
			latest: "2026-01-02T10:03:30Z",
			limit:  10,
			want:   []string{"2026-01-02T10:01:00Z", "2026-01-02T10:02:00Z", "2026-01-02T10:03:00Z"},
		},
		{
			name:   "caught up",
			last:   "2026-01-02T10:03:00Z",
			latest: "2026-01-02T10:03:30Z",
			limit:  10,
			want:   nil,
		},
		{
			name:   "latest on the boundary is included",
			last:   "2026-01-02T10:00:00Z",
			latest: "2026-01-02T10:01:00Z",
			limit:  10,
			want:   []string{"2026-01-02T10:01:00Z"},
		},
		{
			name:   "limit caps the backfill",
			last:   "2026-01-02T10:00:00Z",
			latest: "2026-01-02T12:00:00Z",
			limit:  2,
			want:   []string{"2026-01-02T10:01:00Z", "2026-01-02T10:02:00Z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := minutesBetween(ts(tt.last), ts(tt.latest), tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d minutes, want %d: %v", len(got), len(tt.want), got)
			}
			for i, w := range tt.want {
				if !got[i].Equal(ts(w)) {
					t.Errorf("minute[%d] = %s, want %s", i, got[i], w)
				}
			}
		})
	}
}
