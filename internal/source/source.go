// Package source reads the raw per-type event tables written by the
// chain indexer and turns them into chronologically ordered batches.
package source

import (
	"context"
	"time"

	"github.com/econia-labs/econia-sub000/internal/event"
)

// EventBatch holds one fetch worth of events, one slice per table, each
// sorted by stamp. EndVersion is the last transaction version covered
// by the fetch even when no events landed there; the caller resumes
// strictly after it.
type EventBatch struct {
	Registrations  []*event.MarketRegistration
	LimitOrders    []*event.PlaceLimitOrder
	MarketOrders   []*event.PlaceMarketOrder
	SwapOrders     []*event.PlaceSwapOrder
	Fills          []*event.Fill
	Cancels        []*event.Cancel
	SizeChanges    []*event.ChangeSize
	BalanceUpdates []*event.BalanceUpdate

	EndVersion uint64
}

// Len returns the total number of events across all types.
func (b *EventBatch) Len() int {
	return len(b.Registrations) + len(b.LimitOrders) + len(b.MarketOrders) +
		len(b.SwapOrders) + len(b.Fills) + len(b.Cancels) +
		len(b.SizeChanges) + len(b.BalanceUpdates)
}

// Empty reports whether the batch advanced past no new transactions.
func (b *EventBatch) Empty() bool {
	return b.Len() == 0
}

// EventSource fetches ordered event batches from the log.
//
// FetchEvents returns every event with txn_version in
// (since.TxnVersion, min(since.TxnVersion+maxSpan, horizon)] where
// horizon is the highest transaction version recorded strictly before
// until. When the horizon has not moved past since, the batch is empty
// with EndVersion == since.TxnVersion. Reads of one batch must be
// mutually consistent (no torn view across tables).
type EventSource interface {
	FetchEvents(ctx context.Context, since event.BlockStamp, until time.Time, maxSpan uint64) (*EventBatch, error)

	// MaxTxnVersionBefore returns the highest transaction version with
	// an event timestamped strictly before t; ok is false when the log
	// is empty up to t.
	MaxTxnVersionBefore(ctx context.Context, t time.Time) (version uint64, ok bool, err error)
}
