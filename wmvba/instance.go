package wmvba

import (
	"encoding/hex"

	"github.com/Bargsteen/concordium-node/crypto"
	"github.com/Bargsteen/concordium-node/types"
)

// Outcome is the terminal event of an Instance: Complete(Some(v,
// partySet, aggSig)) or Complete(None).
type Outcome struct {
	Decided   bool
	Value     types.Hash
	Parties   []uint32
	Aggregate types.BLSSignature
}

// Instance runs a single WMVBA round to agreement on a block hash,
// per the parameters (totalWeight, corruptWeight, partyWeight, vrfKey,
// blsKey, baid) a single finalization round names.
type Instance struct {
	Me uint32

	committee *types.FinalizationCommittee
	baid      []byte
	blsKey    *crypto.BLSSecretKey

	justified map[string]bool // justified input block hashes (hex)

	freeze  *freezeState
	abba    *abbaState
	witness *witnessState

	equivocating map[uint32]bool

	outbox []Message
	sent   []Message // every message this instance has ever emitted, for catch-up summaries

	done    bool
	outcome Outcome
}

func NewInstance(committee *types.FinalizationCommittee, baid []byte, me uint32, blsKey *crypto.BLSSecretKey) *Instance {
	return &Instance{
		Me:           me,
		committee:    committee,
		baid:         baid,
		blsKey:       blsKey,
		justified:    make(map[string]bool),
		freeze:       newFreezeState(committee),
		abba:         newABBAState(committee, baid),
		witness:      newWitnessState(committee),
		equivocating: make(map[uint32]bool),
	}
}

func hkey(h types.Hash) string { return hex.EncodeToString(h.Data) }

// Justify marks v as an input justified by the tree state (an alive
// block at the right height, per the finalization orchestrator's
// round-start justification walk).
func (in *Instance) Justify(v types.Hash) { in.justified[hkey(v)] = true }

func (in *Instance) emit(m Message) {
	in.outbox = append(in.outbox, m)
	in.sent = append(in.sent, m)
}

// Drain returns and clears the outbound message queue
// (SendWMVBAMessage events).
func (in *Instance) Drain() []Message {
	out := in.outbox
	in.outbox = nil
	return out
}

// SentMessages returns every message this instance has ever emitted,
// in emission order, for building a catch-up round summary.
func (in *Instance) SentMessages() []Message { return in.sent }

// Propose starts the freeze sub-protocol with this node's own input.
func (in *Instance) Propose(v types.Hash) {
	m := Message{Kind: KindFreezePropose, Value: &v}
	in.emit(m)
	in.HandleFreezeMessage(in.Me, &m)
}

// HandleFreezeMessage processes a Propose/Vote message from a party.
// Equivocation (a second distinct message of the same kind from the
// same party) is detected and the party is flagged in equivocating;
// the second message is dropped, and the party's first message still
// counts toward the propose and vote thresholds.
func (in *Instance) HandleFreezeMessage(party uint32, m *Message) {
	if in.done || int(party) >= len(in.committee.Parties) {
		return
	}
	weight := in.committee.Parties[party].VoterPower

	switch m.Kind {
	case KindFreezePropose:
		if !in.freeze.recordPropose(party, m.Value) {
			in.equivocating[party] = true
			return
		}
		if in.freeze.proposeWeight(m.Value, in.committee) >= in.committee.TotalWeight-in.committee.CorruptWeight {
			vote := Message{Kind: KindFreezeVote, Value: m.Value}
			in.emit(vote)
			in.HandleFreezeMessage(in.Me, &vote)
		}
	case KindFreezeVote:
		if !in.freeze.recordVote(party, m.Value, weight) {
			in.equivocating[party] = true
			return
		}
		in.tryCompleteFreeze()
	}
}

func (in *Instance) tryCompleteFreeze() {
	if in.freeze.completed {
		return
	}
	threshold := in.committee.TotalWeight - in.committee.CorruptWeight
	for k, w := range in.freeze.voteWeight {
		if w < threshold {
			continue
		}
		in.freeze.completed = true
		if k != bottomKey {
			h, _ := hex.DecodeString(k)
			v := types.Hash{Data: h}
			in.freeze.result = &v
		}
		in.startABBA()
		return
	}
}

// startABBA begins phase 0 with this node's own estimate of whether
// freeze produced a value, self-delivering its own Seen message the
// same way Propose self-delivers in the freeze sub-protocol.
func (in *Instance) startABBA() {
	var bit byte
	if in.freeze.result != nil {
		bit = 1
	}
	m := Message{Kind: KindABBASeen, Phase: 0, Bit: bit == 1}
	in.emit(m)
	in.selfDeliverABBA(&m)
}

// HandleABBAMessage feeds a CSS Seen/DoneReporting message or a
// coin-based ballot into the current ABBA phase. Each phase requires
// (totalWeight - corruptWeight) matching weight to progress. Any
// message the instance itself emits in response is self-delivered in
// turn, since this node's own weight must count toward every
// threshold exactly like every other party's.
func (in *Instance) HandleABBAMessage(party uint32, m *Message) {
	if in.done || int(party) >= len(in.committee.Parties) {
		return
	}
	weight := in.committee.Parties[party].VoterPower
	decided, bit := in.abba.handle(party, weight, m, in.committee.TotalWeight, in.committee.CorruptWeight)
	emitted := in.abba.drain()
	in.outbox = append(in.outbox, emitted...)
	in.sent = append(in.sent, emitted...)
	if decided {
		in.onABBADecided(bit)
		return
	}
	for i := range emitted {
		in.selfDeliverABBA(&emitted[i])
	}
}

func (in *Instance) selfDeliverABBA(m *Message) {
	if in.done {
		return
	}
	weight := in.committee.Parties[in.Me].VoterPower
	decided, bit := in.abba.handle(in.Me, weight, m, in.committee.TotalWeight, in.committee.CorruptWeight)
	emitted := in.abba.drain()
	in.outbox = append(in.outbox, emitted...)
	in.sent = append(in.sent, emitted...)
	if decided {
		in.onABBADecided(bit)
		return
	}
	for i := range emitted {
		in.selfDeliverABBA(&emitted[i])
	}
}

func (in *Instance) onABBADecided(bit byte) {
	if bit == 1 && in.freeze.result != nil {
		in.witness.value = in.freeze.result
		// Sign and broadcast our own witness share now that ABBA has
		// settled on a value; HandleWitnessMessage self-delivers it so
		// weight accounting includes this node immediately.
		if _, err := in.SignAndBroadcastWitness(in.blsKey); err != nil {
			in.complete(Outcome{Decided: false})
		}
		return
	}
	in.complete(Outcome{Decided: false})
}

// SignAndBroadcastWitness is called once ABBA decides 1: the node
// signs witnessMessage(baid, v) with its BLS key and broadcasts it.
func (in *Instance) SignAndBroadcastWitness(sk *crypto.BLSSecretKey) (Message, error) {
	if in.witness.value == nil {
		return Message{}, errNoWitnessValue
	}
	sig, err := crypto.SignBLS(sk, WitnessSignBytes(in.baid, *in.witness.value))
	if err != nil {
		return Message{}, err
	}
	m := Message{Kind: KindWitness, Value: in.witness.value, Sig: sig}
	in.emit(m)
	in.HandleWitnessMessage(in.Me, &m)
	return m, nil
}

// HandleWitnessMessage collects a witness-creator signature; once the
// collected weight exceeds corruptWeight the instance completes with
// the assembled aggregate.
func (in *Instance) HandleWitnessMessage(party uint32, m *Message) {
	if in.done || m.Value == nil || int(party) >= len(in.committee.Parties) {
		return
	}
	if err := crypto.VerifyBLS(in.committee.Parties[party].BLSKey, WitnessSignBytes(in.baid, *m.Value), m.Sig); err != nil {
		return
	}
	in.witness.add(*m.Value, party, m.Sig)
	weight := in.witness.weightFor(in.committee, *m.Value)
	if weight > in.committee.CorruptWeight {
		parties, sigs := in.witness.partiesAndSigsFor(*m.Value)
		agg, err := crypto.AggregateBLS(sigs)
		if err != nil {
			return
		}
		in.complete(Outcome{Decided: true, Value: *m.Value, Parties: parties, Aggregate: agg})
	}
}

func (in *Instance) complete(o Outcome) {
	in.done = true
	in.outcome = o
}

func (in *Instance) Done() (bool, Outcome) { return in.done, in.outcome }
