package book

import (
	"errors"
	"fmt"

	"github.com/econia-labs/econia-sub000/internal/event"
)

// FatalError marks a divergence between the event log and the
// reconstructed state. The engine must stop rather than continue from a
// state that no longer matches the chain.
type FatalError struct {
	Stamp  event.BlockStamp
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal state divergence at %s: %s", e.Stamp, e.Reason)
}

func fatalf(stamp event.BlockStamp, format string, args ...any) error {
	return &FatalError{Stamp: stamp, Reason: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err requires stopping the engine.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Warning marks a tolerated inconsistency: the event was consumed as a
// no-op. Callers log it and continue.
type Warning struct {
	Stamp  event.BlockStamp
	Reason string
}

func (e *Warning) Error() string {
	return fmt.Sprintf("ignored event at %s: %s", e.Stamp, e.Reason)
}

func warnf(stamp event.BlockStamp, format string, args ...any) error {
	return &Warning{Stamp: stamp, Reason: fmt.Sprintf(format, args...)}
}

// IsWarning reports whether err is a tolerated no-op.
func IsWarning(err error) bool {
	var w *Warning
	return errors.As(err, &w)
}
