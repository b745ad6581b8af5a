package source

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/econia-labs/econia-sub000/internal/event"
)

// stubSource returns batches with a scripted event count per call.
type stubSource struct {
	counts []int
	calls  int
	spans  []uint64
}

func (s *stubSource) FetchEvents(_ context.Context, since event.BlockStamp, _ time.Time, maxSpan uint64) (*EventBatch, error) {
	s.spans = append(s.spans, maxSpan)
	if s.calls >= len(s.counts) {
		return &EventBatch{EndVersion: since.TxnVersion}, nil
	}
	n := s.counts[s.calls]
	s.calls++
	batch := &EventBatch{EndVersion: since.TxnVersion + maxSpan}
	for i := 0; i < n; i++ {
		batch.Fills = append(batch.Fills, &event.Fill{
			Header: event.Header{BlockStamp: event.BlockStamp{TxnVersion: since.TxnVersion + 1, EventIndex: uint64(i)}},
		})
	}
	return batch, nil
}

func (s *stubSource) MaxTxnVersionBefore(context.Context, time.Time) (uint64, bool, error) {
	return 0, false, nil
}

func TestFetcherGrowsWhileLight(t *testing.T) {
	src := &stubSource{counts: []int{0, 0, 0}}
	f := NewFetcher(src, FetcherConfig{InitialSpan: 16, MinSpan: 16, MaxSpan: 1024, TargetEvents: 100, MaxEvents: 400}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if _, err := f.Next(context.Background(), event.BlockStamp{TxnVersion: uint64(i)}, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.Span(); got != 128 {
		t.Errorf("span = %d after three light batches, want 128", got)
	}
}

func TestFetcherShrinksWhenHeavy(t *testing.T) {
	src := &stubSource{counts: []int{500}}
	f := NewFetcher(src, FetcherConfig{InitialSpan: 64, MinSpan: 16, MaxSpan: 1024, TargetEvents: 100, MaxEvents: 400}, zerolog.Nop())

	if _, err := f.Next(context.Background(), event.BlockStamp{}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if got := f.Span(); got != 32 {
		t.Errorf("span = %d after heavy batch, want 32", got)
	}
}

func TestFetcherClampsToBounds(t *testing.T) {
	src := &stubSource{counts: []int{500, 500, 500, 500}}
	f := NewFetcher(src, FetcherConfig{InitialSpan: 64, MinSpan: 32, MaxSpan: 1024, TargetEvents: 100, MaxEvents: 400}, zerolog.Nop())

	for i := 0; i < 4; i++ {
		if _, err := f.Next(context.Background(), event.BlockStamp{}, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.Span(); got != 32 {
		t.Errorf("span = %d, want clamp at MinSpan 32", got)
	}
}

func TestFetcherStalledHorizonKeepsSpan(t *testing.T) {
	src := &stubSource{}
	f := NewFetcher(src, FetcherConfig{InitialSpan: 64, MinSpan: 16, MaxSpan: 1024, TargetEvents: 100, MaxEvents: 400}, zerolog.Nop())

	batch, err := f.Next(context.Background(), event.BlockStamp{TxnVersion: 9}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !batch.Empty() || batch.EndVersion != 9 {
		t.Fatalf("stalled batch: len=%d end=%d", batch.Len(), batch.EndVersion)
	}
	if f.Span() != 64 {
		t.Errorf("span changed on stall: %d", f.Span())
	}
}

func TestFetcherSetSpan(t *testing.T) {
	f := NewFetcher(&stubSource{}, FetcherConfig{InitialSpan: 16, MinSpan: 16, MaxSpan: 128}, zerolog.Nop())
	f.SetSpan(0)
	if f.Span() != 16 {
		t.Error("zero hint must be ignored")
	}
	f.SetSpan(4096)
	if f.Span() != 128 {
		t.Errorf("span = %d, want clamp at MaxSpan 128", f.Span())
	}
	f.SetSpan(64)
	if f.Span() != 64 {
		t.Errorf("span = %d, want 64", f.Span())
	}
}
