package finalization

import "github.com/Bargsteen/concordium-node/types"

// QueueEntry holds an unsettled finalization record plus the union of
// witness-creator signatures seen for it even if this node never
// completed the round that produced it (OutputWitnesses).
type QueueEntry struct {
	Record    *types.FinalizationRecord
	Witnesses map[uint32]types.BLSSignature
}

// Queue is the ordered, indexed finalization queue. It holds records
// from fqFirstIndex onward until a later block embeds them, at which
// point fqFirstIndex advances.
type Queue struct {
	firstIndex uint64
	entries    map[uint64]*QueueEntry
}

func NewQueue(firstIndex uint64) *Queue {
	return &Queue{firstIndex: firstIndex, entries: make(map[uint64]*QueueEntry)}
}

func (q *Queue) Add(rec *types.FinalizationRecord) {
	q.entries[rec.Index] = &QueueEntry{Record: rec, Witnesses: make(map[uint32]types.BLSSignature)}
}

func (q *Queue) AddWitness(index uint64, party uint32, sig types.BLSSignature) {
	e, ok := q.entries[index]
	if !ok {
		e = &QueueEntry{Witnesses: make(map[uint32]types.BLSSignature)}
		q.entries[index] = e
	}
	e.Witnesses[party] = sig
}

func (q *Queue) Get(index uint64) (*QueueEntry, bool) {
	e, ok := q.entries[index]
	return e, ok
}

func (q *Queue) FirstIndex() uint64 { return q.firstIndex }

// Advance drops queue entries below newFirstIndex, once a subsequent
// block's embedded finalization record has made them settled.
func (q *Queue) Advance(newFirstIndex uint64) {
	if newFirstIndex <= q.firstIndex {
		return
	}
	for i := q.firstIndex; i < newFirstIndex; i++ {
		delete(q.entries, i)
	}
	q.firstIndex = newFirstIndex
}
