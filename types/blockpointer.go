package types

import "time"

// BlockPointer enriches an alive or finalized block with the
// bookkeeping the tree state needs: its height, the handle to its
// post-execution state (opaque — owned by the scheduler interface),
// and timing metadata.
type BlockPointer struct {
	Block        *Block
	Hash         Hash
	Height       uint64
	State        interface{} // opaque handle returned by the execution layer
	ReceiveTime  time.Time
	ArriveTime   time.Time
	TxCount      int
	LastFinalized Hash
}

// StatusKind discriminates the variants of BlockStatus.
type StatusKind int

const (
	StatusUnknown StatusKind = iota
	StatusPending
	StatusAlive
	StatusDead
	StatusFinalized
)

// BlockStatus is the tagged union the tree state keeps per hash.
// Transitions are monotone within a branch: Pending -> Alive ->
// Finalized, or Pending -> Dead, or Alive -> Dead (only via pruning of
// an abandoned branch at finalization).
type BlockStatus struct {
	Kind StatusKind

	// Pending
	Raw         []byte
	ReceiveTime time.Time

	// Alive / Finalized
	Pointer *BlockPointer

	// Finalized only
	Record *FinalizationRecord
}

func PendingStatus(raw []byte, receiveTime time.Time) BlockStatus {
	return BlockStatus{Kind: StatusPending, Raw: raw, ReceiveTime: receiveTime}
}

func AliveStatus(p *BlockPointer) BlockStatus {
	return BlockStatus{Kind: StatusAlive, Pointer: p}
}

func DeadStatus() BlockStatus {
	return BlockStatus{Kind: StatusDead}
}

func FinalizedStatus(p *BlockPointer, rec *FinalizationRecord) BlockStatus {
	return BlockStatus{Kind: StatusFinalized, Pointer: p, Record: rec}
}
