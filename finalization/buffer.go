package finalization

import (
	"time"

	"github.com/Bargsteen/concordium-node/types"
)

const (
	seenMaxDelay = 10 * time.Second
	seenDelayStep = 1 * time.Second

	// SeenBufferFlushInterval is how often a caller should tick
	// FlushDueSeen to honor the buffer's deadlines.
	SeenBufferFlushInterval = seenDelayStep
)

type bufferedSeen struct {
	msg         *types.FinalizationMessage
	firstSeenAt time.Time
	deadline    time.Time
}

// OutboundBuffer delays outbound Seen messages up to maxDelay to
// reduce redundant broadcast: a newer Seen for the same (header,
// phase) supersedes an older buffered one, and a DoneReporting for
// that key flushes any buffered Seen immediately.
type OutboundBuffer struct {
	entries map[string]*bufferedSeen
}

func NewOutboundBuffer() *OutboundBuffer {
	return &OutboundBuffer{entries: make(map[string]*bufferedSeen)}
}

// OfferSeen buffers a Seen message, superseding any earlier one
// buffered under the same key but preserving its firstSeenAt so the
// maxDelay bound is measured from when the key first needed a Seen,
// not from the most recent supersession.
func (b *OutboundBuffer) OfferSeen(key string, msg *types.FinalizationMessage, now time.Time) {
	firstSeenAt := now
	if existing, ok := b.entries[key]; ok {
		firstSeenAt = existing.firstSeenAt
	}
	deadline := firstSeenAt.Add(seenDelayStep)
	maxDeadline := firstSeenAt.Add(seenMaxDelay)
	if deadline.After(maxDeadline) {
		deadline = maxDeadline
	}
	b.entries[key] = &bufferedSeen{msg: msg, firstSeenAt: firstSeenAt, deadline: deadline}
}

// FlushOnDoneReporting implements "a DoneReporting flushes any
// buffered Seen for the same (header, phase) immediately".
func (b *OutboundBuffer) FlushOnDoneReporting(key string) *types.FinalizationMessage {
	e, ok := b.entries[key]
	if !ok {
		return nil
	}
	delete(b.entries, key)
	return e.msg
}

// Due returns and clears every buffered Seen whose deadline has
// elapsed, for the timer-driven flush loop.
func (b *OutboundBuffer) Due(now time.Time) []*types.FinalizationMessage {
	var out []*types.FinalizationMessage
	for k, e := range b.entries {
		if !now.Before(e.deadline) {
			out = append(out, e.msg)
			delete(b.entries, k)
		}
	}
	return out
}
