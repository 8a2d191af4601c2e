package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Party is one member of a finalization committee: a signing key (for
// block/message authentication), a VRF key (for leader election) and
// a BLS key (for witness signatures), plus voter power.
type Party struct {
	Name        AccountName
	SignKey     PublicKey
	VRFKey      VRFPublicKey
	BLSKey      BLSPublicKey
	VoterPower  uint64
}

// FinalizationCommittee is fixed for a given finalization index.
// TotalWeight and CorruptWeight are derived once at construction.
type FinalizationCommittee struct {
	Parties       []Party
	TotalWeight   uint64
	CorruptWeight uint64
	byName        map[string]int
}

var ErrEmptyCommittee = errors.New("finalization committee: no parties")
var ErrDuplicateParty = errors.New("finalization committee: duplicate party name")

func NewFinalizationCommittee(parties []Party) (*FinalizationCommittee, error) {
	if len(parties) == 0 {
		return nil, ErrEmptyCommittee
	}
	byName := make(map[string]int, len(parties))
	var total uint64
	for i, p := range parties {
		if _, dup := byName[p.Name.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParty, p.Name.Name)
		}
		byName[p.Name.Name] = i
		total += p.VoterPower
	}
	// corruptWeight = floor((totalWeight-1)/3)
	var corrupt uint64
	if total > 0 {
		corrupt = (total - 1) / 3
	}
	return &FinalizationCommittee{
		Parties:       parties,
		TotalWeight:   total,
		CorruptWeight: corrupt,
		byName:        byName,
	}, nil
}

func (c *FinalizationCommittee) PartyIndex(name AccountName) (int, bool) {
	idx, ok := c.byName[name.Name]
	return idx, ok
}

func (c *FinalizationCommittee) Size() int { return len(c.Parties) }

// FinalizationRecord is the certificate that irrevocably finalizes a
// block at a given index.
type FinalizationRecord struct {
	Index       uint64
	BlockHash   Hash
	Parties     []uint32 // committee indices included in the aggregate
	BLSAggregate BLSSignature
	Delay       uint64 // block-height delay between H(index) and the finalized height
}

// Encode produces the bit-exact finalization record wire format:
// index:u64_be ‖ blockHash:32 ‖ len(parties):u32_be ‖ parties:u32_be[]
// ‖ blsAggregate:48 ‖ delay:u64_be.
func (r *FinalizationRecord) Encode() []byte {
	var buf bytes.Buffer
	writeU64(&buf, r.Index)
	buf.Write(pad32(r.BlockHash))

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(r.Parties)))
	buf.Write(n[:])
	for _, p := range r.Parties {
		var pb [4]byte
		binary.BigEndian.PutUint32(pb[:], p)
		buf.Write(pb[:])
	}

	agg := make([]byte, BLSSignatureSize)
	copy(agg, r.BLSAggregate.Data)
	buf.Write(agg)

	writeU64(&buf, r.Delay)
	return buf.Bytes()
}

func DecodeFinalizationRecord(data []byte) (*FinalizationRecord, error) {
	r := bytes.NewReader(data)
	index, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("finalization record: %w", err)
	}
	var blockHash [32]byte
	if _, err := r.Read(blockHash[:]); err != nil {
		return nil, errors.New("finalization record: truncated block hash")
	}
	var nBuf [4]byte
	if _, err := r.Read(nBuf[:]); err != nil {
		return nil, errors.New("finalization record: truncated party count")
	}
	n := binary.BigEndian.Uint32(nBuf[:])
	parties := make([]uint32, n)
	for i := range parties {
		var pb [4]byte
		if _, err := r.Read(pb[:]); err != nil {
			return nil, errors.New("finalization record: truncated party list")
		}
		parties[i] = binary.BigEndian.Uint32(pb[:])
	}
	agg := make([]byte, BLSSignatureSize)
	if _, err := r.Read(agg); err != nil {
		return nil, errors.New("finalization record: truncated bls aggregate")
	}
	delay, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("finalization record: %w", err)
	}
	return &FinalizationRecord{
		Index:        index,
		BlockHash:    Hash{Data: append([]byte(nil), blockHash[:]...)},
		Parties:      parties,
		BLSAggregate: BLSSignature{Data: agg},
		Delay:        delay,
	}, nil
}

// CopyFinalizationRecord deep-copies a record for safe cross-goroutine use.
func CopyFinalizationRecord(r *FinalizationRecord) *FinalizationRecord {
	if r == nil {
		return nil
	}
	cp := &FinalizationRecord{
		Index: r.Index,
		Delay: r.Delay,
	}
	cp.BlockHash = *CopyHash(&r.BlockHash)
	cp.Parties = append([]uint32(nil), r.Parties...)
	cp.BLSAggregate = BLSSignature{Data: append([]byte(nil), r.BLSAggregate.Data...)}
	return cp
}

// FinalizationMessage is the generic wire envelope for a WMVBA step.
// Its Payload carries the phase-specific Freeze/ABBA/Witness message,
// opaque at this layer and interpreted by the wmvba package.
type FinalizationMessage struct {
	SessionID   Hash
	Index       uint64
	Delta       uint64
	SenderParty uint32
	Payload     []byte
	Signature   Signature
}

func (m *FinalizationMessage) SignBytes() []byte {
	var buf bytes.Buffer
	buf.Write(pad32(m.SessionID))
	writeU64(&buf, m.Index)
	writeU64(&buf, m.Delta)
	var sp [4]byte
	binary.BigEndian.PutUint32(sp[:], m.SenderParty)
	buf.Write(sp[:])
	writeBytes(&buf, m.Payload)
	return buf.Bytes()
}

// Encode appends the signature to SignBytes for wire transport.
func (m *FinalizationMessage) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(m.SignBytes())
	buf.Write(padSignature(m.Signature))
	return buf.Bytes()
}

func DecodeFinalizationMessage(data []byte) (*FinalizationMessage, error) {
	r := bytes.NewReader(data)
	var sid [32]byte
	if _, err := r.Read(sid[:]); err != nil {
		return nil, errors.New("finalization message: truncated session id")
	}
	index, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("finalization message: %w", err)
	}
	delta, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("finalization message: %w", err)
	}
	var sp [4]byte
	if _, err := r.Read(sp[:]); err != nil {
		return nil, errors.New("finalization message: truncated sender party")
	}
	payload, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("finalization message: %w", err)
	}
	var sig [SignatureSize]byte
	if _, err := r.Read(sig[:]); err != nil {
		return nil, errors.New("finalization message: truncated signature")
	}
	return &FinalizationMessage{
		SessionID:   Hash{Data: append([]byte(nil), sid[:]...)},
		Index:       index,
		Delta:       delta,
		SenderParty: binary.BigEndian.Uint32(sp[:]),
		Payload:     payload,
		Signature:   Signature{Data: append([]byte(nil), sig[:]...)},
	}, nil
}

// CatchUpMessage carries a node's finalization-catch-up summary.
type CatchUpMessage struct {
	SessionID Hash
	Index     uint64
	SenderParty uint32
	Summary   []byte // opaque, interpreted by the finalization package
	Signature Signature
}

func (m *CatchUpMessage) SignBytes() []byte {
	var buf bytes.Buffer
	buf.Write(pad32(m.SessionID))
	writeU64(&buf, m.Index)
	var sp [4]byte
	binary.BigEndian.PutUint32(sp[:], m.SenderParty)
	buf.Write(sp[:])
	writeBytes(&buf, m.Summary)
	return buf.Bytes()
}

// Encode appends the signature to SignBytes for wire transport.
func (m *CatchUpMessage) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(m.SignBytes())
	buf.Write(padSignature(m.Signature))
	return buf.Bytes()
}

func DecodeCatchUpMessage(data []byte) (*CatchUpMessage, error) {
	r := bytes.NewReader(data)
	var sid [32]byte
	if _, err := r.Read(sid[:]); err != nil {
		return nil, errors.New("catch-up message: truncated session id")
	}
	index, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("catch-up message: %w", err)
	}
	var sp [4]byte
	if _, err := r.Read(sp[:]); err != nil {
		return nil, errors.New("catch-up message: truncated sender party")
	}
	summary, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("catch-up message: %w", err)
	}
	var sig [SignatureSize]byte
	if _, err := r.Read(sig[:]); err != nil {
		return nil, errors.New("catch-up message: truncated signature")
	}
	return &CatchUpMessage{
		SessionID:   Hash{Data: append([]byte(nil), sid[:]...)},
		Index:       index,
		SenderParty: binary.BigEndian.Uint32(sp[:]),
		Summary:     summary,
		Signature:   Signature{Data: append([]byte(nil), sig[:]...)},
	}, nil
}
