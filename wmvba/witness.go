package wmvba

import "github.com/Bargsteen/concordium-node/types"

// witnessState collects BLS witness-creator signatures per candidate
// value, implementing the witness-aggregation step.
type witnessState struct {
	value *types.Hash
	sigs  map[string]map[uint32]types.BLSSignature
}

func newWitnessState(committee *types.FinalizationCommittee) *witnessState {
	_ = committee
	return &witnessState{sigs: make(map[string]map[uint32]types.BLSSignature)}
}

func (w *witnessState) add(v types.Hash, party uint32, sig types.BLSSignature) {
	k := hkey(v)
	if w.sigs[k] == nil {
		w.sigs[k] = make(map[uint32]types.BLSSignature)
	}
	w.sigs[k][party] = sig
}

func (w *witnessState) weightFor(committee *types.FinalizationCommittee, v types.Hash) uint64 {
	var total uint64
	for party := range w.sigs[hkey(v)] {
		total += committee.Parties[party].VoterPower
	}
	return total
}

func (w *witnessState) partiesAndSigsFor(v types.Hash) ([]uint32, []types.BLSSignature) {
	m := w.sigs[hkey(v)]
	parties := make([]uint32, 0, len(m))
	for p := range m {
		parties = append(parties, p)
	}
	for i := 1; i < len(parties); i++ {
		for j := i; j > 0 && parties[j-1] > parties[j]; j-- {
			parties[j-1], parties[j] = parties[j], parties[j-1]
		}
	}
	sigs := make([]types.BLSSignature, len(parties))
	for i, p := range parties {
		sigs[i] = m[p]
	}
	return parties, sigs
}

var errNoWitnessValue = errWitness("wmvba: no abba-decided value to witness")

type errWitness string

func (e errWitness) Error() string { return string(e) }
