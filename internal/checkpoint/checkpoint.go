// Package checkpoint persists the engine's cursor, derived feed rows
// and the reconstructed state cache, all committed atomically so a
// crash can never separate the cursor from the data it covers.
package checkpoint

import (
	"context"
	"time"

	"github.com/econia-labs/econia-sub000/internal/book"
	"github.com/econia-labs/econia-sub000/internal/event"
	"github.com/econia-labs/econia-sub000/internal/feed"
)

// Checkpoint is the engine's durable cursor.
type Checkpoint struct {
	// Position is the stamp of the last applied event. Resumption
	// fetches strictly after its transaction version.
	Position event.BlockStamp

	// BatchSpanHint restores the adaptive fetch span across restarts.
	BatchSpanHint uint64

	UpdatedAt time.Time
}

// Store is the durable side of the engine cycle.
type Store interface {
	// Load returns the last committed checkpoint, or nil on cold start.
	Load(ctx context.Context) (*Checkpoint, error)

	// LoadState rebuilds book state from the state cache. Cold start
	// returns an empty state at the genesis position.
	LoadState(ctx context.Context) (*book.ContractState, error)

	// LoadVolume seeds cumulative volume from the last persisted rows.
	LoadVolume(ctx context.Context) (*feed.Volume, error)

	// LoadGroups reads the operator-defined liquidity group assignments.
	LoadGroups(ctx context.Context) (feed.Groups, error)

	// Commit writes the cycle's feed rows, replaces the state cache and
	// advances the checkpoint in one transaction.
	Commit(ctx context.Context, cp *Checkpoint, out *feed.Outputs, state *book.ContractState) error
}
