// Package engine drives the fetch-merge-apply-commit cycle. One cycle
// is fully committed before the next fetch begins, so the checkpoint
// and every derived row always describe the same prefix of the log.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/econia-labs/econia-sub000/internal/book"
	"github.com/econia-labs/econia-sub000/internal/checkpoint"
	"github.com/econia-labs/econia-sub000/internal/event"
	"github.com/econia-labs/econia-sub000/internal/feed"
	"github.com/econia-labs/econia-sub000/internal/notify"
	"github.com/econia-labs/econia-sub000/internal/observability"
	"github.com/econia-labs/econia-sub000/internal/source"
)

// Config tunes the driver loop.
type Config struct {
	// PollInterval is the wait between cycles when the horizon has not
	// moved (liveness stall).
	PollInterval time.Duration

	// HorizonLag is subtracted from wall clock when computing the fetch
	// horizon, giving the indexer time to land whole transactions.
	HorizonLag time.Duration

	// RetryBackoff is the initial wait after a transient failure; it
	// doubles per consecutive failure up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.HorizonLag == 0 {
		c.HorizonLag = time.Second
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = 30 * time.Second
	}
	return c
}

// Engine owns the single authoritative ContractState and advances it
// batch by batch.
type Engine struct {
	fetcher *source.Fetcher
	store   checkpoint.Store
	cfg     Config

	state  *book.ContractState
	volume *feed.Volume
	groups feed.Groups

	notifications chan<- notify.Notification

	metrics *observability.Metrics
	health  *observability.HealthChecker
	log     zerolog.Logger

	now func() time.Time
}

func New(fetcher *source.Fetcher, store checkpoint.Store, cfg Config,
	metrics *observability.Metrics, health *observability.HealthChecker,
	log zerolog.Logger, notifications chan<- notify.Notification) *Engine {
	return &Engine{
		fetcher:       fetcher,
		store:         store,
		cfg:           cfg.withDefaults(),
		notifications: notifications,
		metrics:       metrics,
		health:        health,
		log:           log,
		now:           time.Now,
	}
}

// Start performs the warm start: checkpoint, state cache, cumulative
// volume and group assignments. A missing checkpoint is a cold start
// from genesis.
func (e *Engine) Start(ctx context.Context) error {
	cp, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	e.state, err = e.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state cache: %w", err)
	}
	e.volume, err = e.store.LoadVolume(ctx)
	if err != nil {
		return fmt.Errorf("load volume: %w", err)
	}
	e.groups, err = e.store.LoadGroups(ctx)
	if err != nil {
		return fmt.Errorf("load liquidity groups: %w", err)
	}

	if cp == nil {
		e.log.Info().Msg("cold start from genesis")
	} else {
		if e.state.Position != cp.Position {
			return fmt.Errorf("state cache at %s does not match checkpoint %s",
				e.state.Position, cp.Position)
		}
		e.fetcher.SetSpan(cp.BatchSpanHint)
		e.log.Info().
			Str("position", cp.Position.String()).
			Uint64("batch_span", e.fetcher.Span()).
			Msg("warm start from checkpoint")
	}

	e.metrics.EnginePosition.Set(float64(e.state.Position.TxnVersion))
	e.health.SetReady(true)
	return nil
}

// Run loops until the context ends or a fatal divergence stops the
// engine. Transient failures retry the cycle from the unchanged
// checkpoint with exponential backoff.
func (e *Engine) Run(ctx context.Context) error {
	backoff := e.cfg.RetryBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		applied, err := e.Cycle(ctx)
		switch {
		case err == nil:
			backoff = e.cfg.RetryBackoff
			if applied == 0 {
				if err := sleep(ctx, e.cfg.PollInterval); err != nil {
					return err
				}
			}

		case book.IsFatal(err):
			e.log.Error().Err(err).Msg("stopping: event log diverged from state")
			return err

		case ctx.Err() != nil:
			return ctx.Err()

		default:
			reason := "transient"
			if checkpoint.IsSerializationFailure(err) {
				reason = "serialization"
			}
			e.metrics.CyclesRetried.WithLabelValues(reason).Inc()
			e.log.Warn().
				Err(err).
				Str("reason", reason).
				Dur("backoff", backoff).
				Msg("cycle failed, retrying from checkpoint")
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > e.cfg.MaxRetryBackoff {
				backoff = e.cfg.MaxRetryBackoff
			}
		}
	}
}

// Cycle runs one fetch-merge-apply-commit pass and returns the number
// of events applied. Zero with a nil error means the horizon has not
// moved. On any error the committed state is untouched.
func (e *Engine) Cycle(ctx context.Context) (int, error) {
	cycleStart := e.now()
	until := cycleStart.Add(-e.cfg.HorizonLag)

	fetchStart := e.now()
	batch, err := e.fetcher.Next(ctx, e.state.Position, until)
	if err != nil {
		return 0, fmt.Errorf("fetch batch: %w", err)
	}
	e.metrics.FetchDuration.Observe(e.now().Sub(fetchStart).Seconds())
	e.metrics.BatchSpan.Set(float64(e.fetcher.Span()))

	if batch.Empty() && batch.EndVersion == e.state.Position.TxnVersion {
		return 0, nil
	}
	e.metrics.BatchEvents.Observe(float64(batch.Len()))

	events := source.Merge(batch)

	// All mutation happens on copies; the swap below is the only point
	// where the committed state changes.
	working := e.state.Clone()
	volume := e.volume.Clone()

	applyStart := e.now()
	for _, ev := range events {
		if err := working.Apply(ev); err != nil {
			if !book.IsWarning(err) {
				return 0, err
			}
			e.metrics.ApplyWarnings.WithLabelValues(ev.Type().String()).Inc()
			e.log.Warn().Err(err).Msg("event ignored")
		}
		e.metrics.EventsApplied.WithLabelValues(ev.Type().String()).Inc()
	}
	if working.Position.TxnVersion < batch.EndVersion {
		// The span's tail transactions carried no events; the cursor
		// still covers them.
		working.Position = event.BlockStamp{TxnVersion: batch.EndVersion}
	}
	volume.Update(events)
	e.metrics.ApplyDuration.Observe(e.now().Sub(applyStart).Seconds())

	outputs := &feed.Outputs{
		Timestamp: cycleStart.UTC(),
		Volumes:   volume.Rows(),
	}

	// Spread and liquidity are pure reads of the working copy.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		start := e.now()
		outputs.Spreads = feed.ComputeSpreads(working)
		e.metrics.FeedDuration.WithLabelValues("spread").Observe(e.now().Sub(start).Seconds())
	}()
	go func() {
		defer wg.Done()
		start := e.now()
		outputs.Liquidity, outputs.GroupLiquidity = feed.ComputeLiquidity(working, e.groups)
		e.metrics.FeedDuration.WithLabelValues("liquidity").Observe(e.now().Sub(start).Seconds())
	}()
	wg.Wait()

	cp := &checkpoint.Checkpoint{
		Position:      working.Position,
		BatchSpanHint: e.fetcher.Span(),
	}
	commitStart := e.now()
	if err := e.store.Commit(ctx, cp, outputs, working); err != nil {
		e.metrics.CommitErrors.WithLabelValues(commitErrorType(err)).Inc()
		return 0, fmt.Errorf("commit cycle: %w", err)
	}
	e.metrics.CommitDuration.Observe(e.now().Sub(commitStart).Seconds())

	e.state = working
	e.volume = volume

	e.metrics.CyclesCompleted.Inc()
	e.metrics.CycleDuration.Observe(e.now().Sub(cycleStart).Seconds())
	e.metrics.EnginePosition.Set(float64(e.state.Position.TxnVersion))
	e.metrics.FeedRowsWritten.WithLabelValues("volume").Add(float64(len(outputs.Volumes)))
	e.metrics.FeedRowsWritten.WithLabelValues("spread").Add(float64(len(outputs.Spreads)))
	e.metrics.FeedRowsWritten.WithLabelValues("liquidity").Add(float64(len(outputs.Liquidity) + len(outputs.GroupLiquidity)))

	e.emit(events)

	e.log.Info().
		Str("position", e.state.Position.String()).
		Int("events", len(events)).
		Msg("cycle committed")
	return len(events), nil
}

// Position returns the committed cursor.
func (e *Engine) Position() event.BlockStamp {
	return e.state.Position
}

// emit forwards applied events to the notification channel, dropping
// when the publisher cannot keep up.
func (e *Engine) emit(events []event.Event) {
	if e.notifications == nil {
		return
	}
	for _, ev := range events {
		n := notify.Notification{
			TxnVersion: ev.Stamp().TxnVersion,
			EventIndex: ev.Stamp().EventIndex,
			EventType:  ev.Type().String(),
			MarketID:   uint64(ev.Market()),
			Timestamp:  ev.Time(),
			Payload:    ev,
		}
		select {
		case e.notifications <- n:
		default:
			e.metrics.PublishDrops.Inc()
		}
	}
}

func commitErrorType(err error) string {
	if checkpoint.IsSerializationFailure(err) {
		return "serialization"
	}
	return "other"
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
