package transcript

import (
	"github.com/user/agentlink/internal/events"
	"github.com/user/agentlink/internal/types"
)

type partKey struct {
	message types.MessageID
	part    types.PartID
}

// pendingPart is the merged form of every buffered update for one part.
// Applying base and then, if tail is set, latest with tail as its delta
// yields the same part as applying each update in order: once base has
// been applied the part exists, so later deltas only concatenate.
type pendingPart struct {
	base   events.PartUpdated
	latest types.Part
	tail   string
}

// partBuffer collects part updates between flushes, keyed by
// (message, part) and kept in first-seen order.
type partBuffer struct {
	order   []partKey
	entries map[partKey]*pendingPart
}

func newPartBuffer() *partBuffer {
	return &partBuffer{entries: make(map[partKey]*pendingPart)}
}

func (b *partBuffer) add(ev events.PartUpdated) {
	key := partKey{message: ev.Part.MessageID, part: ev.Part.ID}
	entry, ok := b.entries[key]
	if !ok {
		b.order = append(b.order, key)
		b.entries[key] = &pendingPart{base: ev, latest: ev.Part}
		return
	}
	if ev.Delta == "" {
		// A full replacement supersedes everything buffered for the part.
		*entry = pendingPart{base: ev, latest: ev.Part}
		return
	}
	entry.latest = ev.Part
	entry.tail += ev.Delta
}

func (b *partBuffer) len() int {
	return len(b.order)
}

// drain returns the merged updates in order and empties the buffer.
func (b *partBuffer) drain() []events.PartUpdated {
	out := make([]events.PartUpdated, 0, len(b.order)*2)
	for _, key := range b.order {
		entry := b.entries[key]
		out = append(out, entry.base)
		if entry.tail != "" {
			out = append(out, events.PartUpdated{Part: entry.latest, Delta: entry.tail})
		}
	}
	b.reset()
	return out
}

func (b *partBuffer) reset() {
	b.order = b.order[:0]
	clear(b.entries)
}
