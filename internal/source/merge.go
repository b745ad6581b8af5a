package source

import "github.com/econia-labs/econia-sub000/internal/event"

// Merge flattens a batch into one slice in strict stamp order. Each
// per-type slice is already sorted, so this is a k-way merge over eight
// cursors. Stamps are unique across tables, so ties cannot occur.
func Merge(b *EventBatch) []event.Event {
	streams := [][]event.Event{
		toEvents(b.Registrations),
		toEvents(b.LimitOrders),
		toEvents(b.MarketOrders),
		toEvents(b.SwapOrders),
		toEvents(b.Fills),
		toEvents(b.Cancels),
		toEvents(b.SizeChanges),
		toEvents(b.BalanceUpdates),
	}

	total := b.Len()
	out := make([]event.Event, 0, total)
	cursors := make([]int, len(streams))
	for len(out) < total {
		best := -1
		for i, s := range streams {
			if cursors[i] >= len(s) {
				continue
			}
			if best < 0 || s[cursors[i]].Stamp().Less(streams[best][cursors[best]].Stamp()) {
				best = i
			}
		}
		out = append(out, streams[best][cursors[best]])
		cursors[best]++
	}
	return out
}

func toEvents[E event.Event](evs []E) []event.Event {
	if len(evs) == 0 {
		return nil
	}
	out := make([]event.Event, len(evs))
	for i, e := range evs {
		out[i] = e
	}
	return out
}
