package finalization

import "github.com/Bargsteen/concordium-node/types"

// pendingStore is Map<FinIndex, Map<Delta, Set<PendingMsg>>>. Entries
// at index i are dropped on successful finalization of i; entries at
// i+1 are kept as long as i is current.
type pendingStore struct {
	byIndex map[uint64]map[uint64][]*types.FinalizationMessage
}

func newPendingStore() *pendingStore {
	return &pendingStore{byIndex: make(map[uint64]map[uint64][]*types.FinalizationMessage)}
}

func (p *pendingStore) Add(m *types.FinalizationMessage) {
	byDelta, ok := p.byIndex[m.Index]
	if !ok {
		byDelta = make(map[uint64][]*types.FinalizationMessage)
		p.byIndex[m.Index] = byDelta
	}
	byDelta[m.Delta] = append(byDelta[m.Delta], m)
}

func (p *pendingStore) Take(index, delta uint64) []*types.FinalizationMessage {
	byDelta, ok := p.byIndex[index]
	if !ok {
		return nil
	}
	msgs := byDelta[delta]
	delete(byDelta, delta)
	return msgs
}

// DropIndex removes every buffered message at index i, called on
// successful finalization of i.
func (p *pendingStore) DropIndex(index uint64) {
	delete(p.byIndex, index)
}
