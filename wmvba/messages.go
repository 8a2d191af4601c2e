package wmvba

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/Bargsteen/concordium-node/types"
)

// MessageKind discriminates a WMVBA phase-specific payload.
type MessageKind byte

const (
	KindFreezePropose MessageKind = iota + 1
	KindFreezeVote
	KindABBASeen
	KindABBADoneReporting
	KindABBABallot
	KindWitness
)

// Message is the decoded form of a FinalizationMessage.Payload.
type Message struct {
	Kind  MessageKind
	Phase uint32 // ABBA phase; unused for Freeze/Witness
	Value *types.Hash
	Bit   bool
	Sig   types.BLSSignature
}

// Encode serializes a Message for embedding in
// types.FinalizationMessage.Payload.
func (m *Message) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Kind))
	var ph [4]byte
	binary.BigEndian.PutUint32(ph[:], m.Phase)
	buf.Write(ph[:])
	if m.Value != nil {
		buf.WriteByte(1)
		buf.Write(padHash(*m.Value))
	} else {
		buf.WriteByte(0)
	}
	if m.Bit {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	sig := make([]byte, types.BLSSignatureSize)
	copy(sig, m.Sig.Data)
	buf.Write(sig)
	return buf.Bytes()
}

func padHash(h types.Hash) []byte {
	out := make([]byte, types.HashSize)
	copy(out, h.Data)
	return out
}

func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < 1+4+1+1+types.BLSSignatureSize {
		return nil, errors.New("wmvba: truncated message")
	}
	r := bytes.NewReader(data)
	kindByte, _ := r.ReadByte()
	var ph [4]byte
	if _, err := r.Read(ph[:]); err != nil {
		return nil, err
	}
	hasValue, _ := r.ReadByte()
	var value *types.Hash
	if hasValue == 1 {
		var h [32]byte
		if _, err := r.Read(h[:]); err != nil {
			return nil, err
		}
		hv := types.Hash{Data: append([]byte(nil), h[:]...)}
		value = &hv
	}
	bitByte, _ := r.ReadByte()
	sig := make([]byte, types.BLSSignatureSize)
	if _, err := r.Read(sig); err != nil {
		return nil, err
	}
	return &Message{
		Kind:  MessageKind(kindByte),
		Phase: binary.BigEndian.Uint32(ph[:]),
		Value: value,
		Bit:   bitByte == 1,
		Sig:   types.BLSSignature{Data: sig},
	}, nil
}

// WitnessSignBytes is witnessMessage(baid, v): what witness-creators
// sign in the aggregation step.
func WitnessSignBytes(baid []byte, v types.Hash) []byte {
	var buf bytes.Buffer
	buf.Write(baid)
	buf.Write(padHash(v))
	return buf.Bytes()
}

// FailureSignBytes is weAreDoneMessage(baid, false): what a party
// signs to evidence that it considers the round identified by baid
// stuck, for catch-up's failed-round summaries.
func FailureSignBytes(baid []byte) []byte {
	var buf bytes.Buffer
	buf.Write(baid)
	buf.WriteByte(0)
	return buf.Bytes()
}
