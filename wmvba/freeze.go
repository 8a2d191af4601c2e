package wmvba

import (
	"encoding/hex"

	"github.com/Bargsteen/concordium-node/types"
)

// bottomKey is the justification-set key used when a party proposes
// or votes for no value (bottom, written ⊥).
const bottomKey = ""

// freezeState implements the Freeze sub-protocol: parties propose and
// vote on a value; the outcome is either a unique freeze value or
// bottom together with the set of distinct proposals seen (the
// justification for bottom).
type freezeState struct {
	proposals map[uint32]*types.Hash
	votes     map[uint32]*types.Hash

	voteWeight map[string]uint64

	completed bool
	result    *types.Hash
}

func newFreezeState(committee *types.FinalizationCommittee) *freezeState {
	_ = committee
	return &freezeState{
		proposals:  make(map[uint32]*types.Hash),
		votes:      make(map[uint32]*types.Hash),
		voteWeight: make(map[string]uint64),
	}
}

func keyOf(v *types.Hash) string {
	if v == nil {
		return bottomKey
	}
	return hex.EncodeToString(v.Data)
}

func (f *freezeState) recordPropose(party uint32, v *types.Hash) bool {
	if existing, ok := f.proposals[party]; ok {
		return keyOf(existing) == keyOf(v)
	}
	f.proposals[party] = v
	return true
}

// proposeWeight recomputes the total weight of parties that have
// proposed v: it must not be cached across calls, since each new
// Propose message changes the answer for its value.
func (f *freezeState) proposeWeight(v *types.Hash, committee *types.FinalizationCommittee) uint64 {
	k := keyOf(v)
	var total uint64
	for party, pv := range f.proposals {
		if keyOf(pv) == k {
			total += committee.Parties[party].VoterPower
		}
	}
	return total
}

func (f *freezeState) recordVote(party uint32, v *types.Hash, weight uint64) bool {
	if existing, ok := f.votes[party]; ok {
		return keyOf(existing) == keyOf(v)
	}
	f.votes[party] = v
	f.voteWeight[keyOf(v)] += weight
	return true
}

// Justification returns the distinct values proposed, for a bottom
// outcome's justification set.
func (f *freezeState) Justification() []types.Hash {
	seen := make(map[string]bool)
	var out []types.Hash
	for _, v := range f.proposals {
		if v == nil {
			continue
		}
		k := keyOf(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, *v)
	}
	return out
}
