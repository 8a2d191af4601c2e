package runner

import (
	"time"

	"github.com/Bargsteen/concordium-node/types"
)

// InboundKind discriminates an InboundMessage, replacing the
// continuation-style "foreign callback delivers bytes" shape with an
// explicit sum type placed on a bounded channel.
type InboundKind int

const (
	InboundBlock InboundKind = iota
	InboundTransaction
	InboundFinalizationMessage
	InboundFinalizationRecord
	InboundCatchUp
	InboundShutdown
)

// InboundMessage is the single type flowing through the Runner's
// consumer channel. Bytes are decoded under the consensus lock, inside
// the dispatch loop, never before — decode failures are themselves
// data the dispatcher must rule on (ResultSerializationFail).
type InboundMessage struct {
	Kind  InboundKind
	Bytes []byte
	Now   time.Time

	// Reply, if non-nil, receives the UpdateResult for this message.
	// Callers that don't need the result (peer relay fire-and-forget)
	// may leave it nil.
	Reply chan<- types.UpdateResult
}
