package source

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/econia-labs/econia-sub000/internal/event"
)

// FetcherConfig tunes the adaptive batch span. The span is measured in
// transaction versions, not events: event density per transaction is
// wildly uneven, so the fetcher sizes by observed event counts.
type FetcherConfig struct {
	// InitialSpan is the span used on a fresh start. It is deliberately
	// small so a process restarted after running out of memory does not
	// immediately refetch the batch that killed it.
	InitialSpan uint64

	MinSpan uint64
	MaxSpan uint64

	// TargetEvents is the event count the fetcher steers toward; a
	// batch under half the target doubles the span.
	TargetEvents int

	// MaxEvents halves the span when exceeded.
	MaxEvents int
}

func (c FetcherConfig) withDefaults() FetcherConfig {
	if c.InitialSpan == 0 {
		c.InitialSpan = 16
	}
	if c.MinSpan == 0 {
		c.MinSpan = 16
	}
	if c.MaxSpan == 0 {
		c.MaxSpan = 1_000_000
	}
	if c.TargetEvents == 0 {
		c.TargetEvents = 25_000
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = 100_000
	}
	return c
}

// Fetcher wraps an EventSource with an adaptive transaction-version
// span: it grows while batches come back light and shrinks when a
// batch overshoots, staying inside fixed bounds.
type Fetcher struct {
	src  EventSource
	cfg  FetcherConfig
	span uint64
	log  zerolog.Logger
}

func NewFetcher(src EventSource, cfg FetcherConfig, log zerolog.Logger) *Fetcher {
	cfg = cfg.withDefaults()
	return &Fetcher{src: src, cfg: cfg, span: cfg.InitialSpan, log: log}
}

// Span returns the current span, persisted with the checkpoint so a
// restart resumes with a calibrated batch size.
func (f *Fetcher) Span() uint64 { return f.span }

// SetSpan restores a persisted span. Zero is ignored.
func (f *Fetcher) SetSpan(span uint64) {
	if span == 0 {
		return
	}
	f.span = f.clamp(span)
}

// Next fetches the next batch after since, bounded by until, and
// adapts the span to the observed event count.
func (f *Fetcher) Next(ctx context.Context, since event.BlockStamp, until time.Time) (*EventBatch, error) {
	batch, err := f.src.FetchEvents(ctx, since, until, f.span)
	if err != nil {
		return nil, err
	}
	if batch.Empty() && batch.EndVersion == since.TxnVersion {
		// Horizon has not moved; leave the span alone.
		return batch, nil
	}

	n := batch.Len()
	prev := f.span
	switch {
	case n > f.cfg.MaxEvents:
		f.span = f.clamp(f.span / 2)
	case n < f.cfg.TargetEvents/2:
		f.span = f.clamp(f.span * 2)
	}
	if f.span != prev {
		f.log.Debug().
			Uint64("prev_span", prev).
			Uint64("span", f.span).
			Int("events", n).
			Msg("adjusted fetch span")
	}
	return batch, nil
}

func (f *Fetcher) clamp(span uint64) uint64 {
	if span < f.cfg.MinSpan {
		return f.cfg.MinSpan
	}
	if span > f.cfg.MaxSpan {
		return f.cfg.MaxSpan
	}
	return span
}
