package wmvba

import (
	"crypto/sha256"

	"github.com/Bargsteen/concordium-node/types"
)

// abbaPhase holds one phase's Core-Set Selection (Seen/DoneReporting)
// state and its coin-based ballot tally.
type abbaPhase struct {
	seenBit       map[uint32]bool // party -> bit it reports having seen justified
	seenWeight    [2]uint64
	doneReporting map[uint32]bool
	doneWeight    uint64
	reportedDone  bool // whether this node has already emitted its own DoneReporting

	ballot       map[uint32]byte
	ballotWeight [2]uint64

	decidedVal *byte
}

func newABBAPhase() *abbaPhase {
	return &abbaPhase{
		seenBit:       make(map[uint32]bool),
		doneReporting: make(map[uint32]bool),
		ballot:        make(map[uint32]byte),
	}
}

// abbaState runs Asynchronous Binary Byzantine Agreement on "is there
// a freeze value?", phase-indexed.
type abbaState struct {
	baid    []byte
	phase   uint32
	phases  map[uint32]*abbaPhase
	current byte // this node's current estimate of the bit

	decided    bool
	decidedBit byte

	outbox []Message
}

func newABBAState(committee *types.FinalizationCommittee, baid []byte) *abbaState {
	_ = committee
	return &abbaState{baid: baid, phases: make(map[uint32]*abbaPhase)}
}

func (a *abbaState) drain() []Message {
	out := a.outbox
	a.outbox = nil
	return out
}

func (a *abbaState) phaseState(p uint32) *abbaPhase {
	ph, ok := a.phases[p]
	if !ok {
		ph = newABBAPhase()
		a.phases[p] = ph
	}
	return ph
}

// handle processes a Seen, DoneReporting or Ballot message for its
// phase. It returns (decided, bit) once two consecutive phases agree
// on the same bit, which is ABBA's termination condition.
func (a *abbaState) handle(party uint32, weight uint64, m *Message, totalWeight, corruptWeight uint64) (bool, byte) {
	if a.decided {
		return true, a.decidedBit
	}
	threshold := totalWeight - corruptWeight
	ph := a.phaseState(m.Phase)

	switch m.Kind {
	case KindABBASeen:
		if _, ok := ph.seenBit[party]; ok {
			return false, 0
		}
		ph.seenBit[party] = m.Bit
		idx := 0
		if m.Bit {
			idx = 1
		}
		ph.seenWeight[idx] += weight
		if ph.seenWeight[idx] >= threshold && !ph.reportedDone {
			a.outbox = append(a.outbox, Message{Kind: KindABBADoneReporting, Phase: m.Phase, Bit: m.Bit})
			ph.reportedDone = true
		}
	case KindABBADoneReporting:
		if ph.doneReporting[party] {
			return false, 0
		}
		ph.doneReporting[party] = true
		ph.doneWeight += weight
		if ph.doneWeight >= threshold {
			coin := coinFlip(a.baid, m.Phase)
			ballotBit := a.current
			if ph.seenWeight[0] == 0 || ph.seenWeight[1] == 0 {
				// unanimous core set: ballot the unanimous bit directly
				if ph.seenWeight[1] > 0 {
					ballotBit = 1
				} else {
					ballotBit = 0
				}
			} else {
				ballotBit = coin
			}
			a.outbox = append(a.outbox, Message{Kind: KindABBABallot, Phase: m.Phase, Bit: ballotBit == 1})
		}
	case KindABBABallot:
		if _, ok := ph.ballot[party]; ok {
			return false, 0
		}
		bit := byte(0)
		if m.Bit {
			bit = 1
		}
		ph.ballot[party] = bit
		ph.ballotWeight[bit] += weight
		for b := byte(0); b < 2; b++ {
			if ph.ballotWeight[b] < threshold {
				continue
			}
			a.current = b
			if prev, ok := a.phases[m.Phase-1]; ok && prev.decidedBit() == b {
				a.decided = true
				a.decidedBit = b
				return true, b
			}
			ph.decide(b)
			a.phase = m.Phase + 1
			_ = a.phaseState(a.phase)
			a.outbox = append(a.outbox, Message{Kind: KindABBASeen, Phase: a.phase, Bit: b == 1})
		}
	}
	return false, 0
}

func (ph *abbaPhase) decide(b byte) { ph.decidedVal = &b }

func (ph *abbaPhase) decidedBit() byte {
	if ph.decidedVal == nil {
		return 2 // sentinel: no decision recorded for this phase yet
	}
	return *ph.decidedVal
}

func coinFlip(baid []byte, phase uint32) byte {
	h := sha256.New()
	h.Write(baid)
	var p [4]byte
	p[0] = byte(phase >> 24)
	p[1] = byte(phase >> 16)
	p[2] = byte(phase >> 8)
	p[3] = byte(phase)
	h.Write(p[:])
	sum := h.Sum(nil)
	return sum[0] & 1
}
