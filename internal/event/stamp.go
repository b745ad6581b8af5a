package event

import "fmt"

// BlockStamp is the position of an event in the chain's total order:
// transaction version first, then the event's index within that
// transaction. The zero value is the genesis cursor (before all events).
type BlockStamp struct {
	TxnVersion uint64
	EventIndex uint64
}

// Cmp returns -1, 0 or 1 comparing s against other lexicographically.
func (s BlockStamp) Cmp(other BlockStamp) int {
	switch {
	case s.TxnVersion < other.TxnVersion:
		return -1
	case s.TxnVersion > other.TxnVersion:
		return 1
	case s.EventIndex < other.EventIndex:
		return -1
	case s.EventIndex > other.EventIndex:
		return 1
	default:
		return 0
	}
}

// Less reports whether s orders strictly before other.
func (s BlockStamp) Less(other BlockStamp) bool {
	return s.Cmp(other) < 0
}

// Next returns the cursor at the start of the following transaction.
func (s BlockStamp) Next() BlockStamp {
	return BlockStamp{TxnVersion: s.TxnVersion + 1}
}

// IsZero reports whether s is the genesis cursor.
func (s BlockStamp) IsZero() bool {
	return s.TxnVersion == 0 && s.EventIndex == 0
}

func (s BlockStamp) String() string {
	return fmt.Sprintf("%d:%d", s.TxnVersion, s.EventIndex)
}
