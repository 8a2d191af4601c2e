package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// GenesisData carries the opaque genesis parameters payload (initial
// committee, chain parameters, and so on). Its internal structure is
// defined by the execution layer; the consensus core only needs to
// hash and store it.
type GenesisData struct {
	Payload []byte
}

// BlockHeader is the canonical, hashable part of a block. Exactly one
// of the Genesis-only fields (Genesis) or the Normal-only fields
// (ParentHash..Transactions) is populated, selected by Slot == 0.
type BlockHeader struct {
	Slot uint64

	// Genesis variant (Slot == 0).
	Genesis *GenesisData

	// Normal variant (Slot > 0).
	ParentHash        Hash
	BakerID           uint64
	BlockProof        VRFProof
	BlockNonce        VRFProof
	LastFinalizedHash Hash
	Transactions      []*Transaction
}

// Block wraps a header with its baker signature. The signature covers
// every byte of the canonical encoding up to, but not including,
// itself.
type Block struct {
	Header    BlockHeader
	Signature Signature
}

func (h *BlockHeader) IsGenesis() bool { return h.Slot == 0 }

// signBytes returns the canonical encoding signed over and hashed:
// slot:u64_be, then either the genesis payload or the normal-block
// fields, per the block wire format.
func signBytes(h *BlockHeader) []byte {
	var buf bytes.Buffer
	writeU64(&buf, h.Slot)
	if h.Slot == 0 {
		var payload []byte
		if h.Genesis != nil {
			payload = h.Genesis.Payload
		}
		writeBytes(&buf, payload)
		return buf.Bytes()
	}
	buf.Write(pad32(h.ParentHash))
	writeU64(&buf, h.BakerID)
	writeBytes(&buf, h.BlockProof.Data)
	writeBytes(&buf, h.BlockNonce.Data)
	buf.Write(pad32(h.LastFinalizedHash))

	var txBuf bytes.Buffer
	for _, tx := range h.Transactions {
		writeBytes(&txBuf, tx.Encode())
	}
	writeBytes(&buf, txBuf.Bytes())
	return buf.Bytes()
}

func pad32(h Hash) []byte {
	out := make([]byte, HashSize)
	copy(out, h.Data)
	return out
}

// Encode returns the full wire encoding of the block: signBytes ‖
// signature:64.
func (b *Block) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(signBytes(&b.Header))
	buf.Write(padSignature(b.Signature))
	return buf.Bytes()
}

// Decode parses a block from its wire encoding.
func Decode(data []byte) (*Block, error) {
	r := bytes.NewReader(data)
	slot, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("block: %w", err)
	}
	h := BlockHeader{Slot: slot}
	if slot == 0 {
		payload, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("block: genesis payload: %w", err)
		}
		h.Genesis = &GenesisData{Payload: payload}
	} else {
		var parent [32]byte
		if _, err := r.Read(parent[:]); err != nil {
			return nil, errors.New("block: truncated parent hash")
		}
		h.ParentHash = Hash{Data: append([]byte(nil), parent[:]...)}

		bakerID, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("block: %w", err)
		}
		h.BakerID = bakerID

		proof, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("block: block proof: %w", err)
		}
		h.BlockProof = VRFProof{Data: proof}

		nonce, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("block: block nonce: %w", err)
		}
		h.BlockNonce = VRFProof{Data: nonce}

		var lastFin [32]byte
		if _, err := r.Read(lastFin[:]); err != nil {
			return nil, errors.New("block: truncated last-finalized hash")
		}
		h.LastFinalizedHash = Hash{Data: append([]byte(nil), lastFin[:]...)}

		txListBytes, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("block: tx list: %w", err)
		}
		txs, err := decodeTxList(txListBytes)
		if err != nil {
			return nil, fmt.Errorf("block: %w", err)
		}
		h.Transactions = txs
	}

	sig := make([]byte, SignatureSize)
	if _, err := r.Read(sig); err != nil {
		return nil, errors.New("block: truncated signature")
	}
	return &Block{Header: h, Signature: Signature{Data: sig}}, nil
}

func decodeTxList(data []byte) ([]*Transaction, error) {
	r := bytes.NewReader(data)
	var txs []*Transaction
	for r.Len() > 0 {
		entry, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		tx, _, err := DecodeTransaction(entry)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// BlockHash computes a block's identity: SHA-256 of its signed bytes.
func BlockHash(b *Block) Hash {
	if b == nil {
		return HashEmpty()
	}
	return HashBytes(signBytes(&b.Header))
}

// BlockSignBytes exposes signBytes for the baker and signature
// verification code.
func BlockSignBytes(h *BlockHeader) []byte {
	var bin [8]byte
	binary.BigEndian.PutUint64(bin[:], h.Slot)
	return signBytes(h)
}

func NewGenesisBlock(payload []byte) *Block {
	return &Block{Header: BlockHeader{Slot: 0, Genesis: &GenesisData{Payload: payload}}}
}

func NewNormalBlock(
	slot uint64,
	parent Hash,
	bakerID uint64,
	blockProof, blockNonce VRFProof,
	lastFinalized Hash,
	txs []*Transaction,
) *Block {
	return &Block{Header: BlockHeader{
		Slot:              slot,
		ParentHash:        parent,
		BakerID:           bakerID,
		BlockProof:        blockProof,
		BlockNonce:        blockNonce,
		LastFinalizedHash: lastFinalized,
		Transactions:      txs,
	}}
}

// CopyBlock deep-copies a block so it can safely outlive the tree
// lock's critical section in async callbacks (broadcast, persistence).
func CopyBlock(b *Block) *Block {
	if b == nil {
		return nil
	}
	h := b.Header
	if b.Header.Genesis != nil {
		payload := append([]byte(nil), b.Header.Genesis.Payload...)
		h.Genesis = &GenesisData{Payload: payload}
	}
	h.ParentHash = *CopyHash(&b.Header.ParentHash)
	h.LastFinalizedHash = *CopyHash(&b.Header.LastFinalizedHash)
	h.BlockProof = VRFProof{Data: append([]byte(nil), b.Header.BlockProof.Data...)}
	h.BlockNonce = VRFProof{Data: append([]byte(nil), b.Header.BlockNonce.Data...)}
	if b.Header.Transactions != nil {
		h.Transactions = make([]*Transaction, len(b.Header.Transactions))
		for i, tx := range b.Header.Transactions {
			cp := *tx
			cp.Payload = append([]byte(nil), tx.Payload...)
			h.Transactions[i] = &cp
		}
	}
	return &Block{
		Header:    h,
		Signature: Signature{Data: append([]byte(nil), b.Signature.Data...)},
	}
}
