package types

import "testing"

func TestGenesisBlockEncodeDecodeRoundTrip(t *testing.T) {
	block := NewGenesisBlock([]byte("genesis-payload"))
	raw := block.Encode()

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !decoded.Header.IsGenesis() {
		t.Fatalf("decoded block is not genesis")
	}
	if string(decoded.Header.Genesis.Payload) != "genesis-payload" {
		t.Fatalf("genesis payload = %q, want %q", decoded.Header.Genesis.Payload, "genesis-payload")
	}
	if !HashEqual(BlockHash(block), BlockHash(decoded)) {
		t.Fatalf("re-decoded block hashes differently from the original")
	}
}

func TestNormalBlockEncodeDecodeRoundTrip(t *testing.T) {
	parent := HashBytes([]byte("parent"))
	lastFin := HashBytes([]byte("last-finalized"))
	tx := &Transaction{Sender: NewAccountName("alice"), Nonce: 3, Payload: []byte("payload")}

	block := NewNormalBlock(7, parent, 42,
		VRFProof{Data: []byte("block-proof")}, VRFProof{Data: []byte("block-nonce")},
		lastFin, []*Transaction{tx})
	block.Signature = MustNewSignature(make([]byte, SignatureSize))

	raw := block.Encode()
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Header.IsGenesis() {
		t.Fatalf("decoded block should not be genesis")
	}
	if decoded.Header.Slot != 7 {
		t.Fatalf("slot = %d, want 7", decoded.Header.Slot)
	}
	if decoded.Header.BakerID != 42 {
		t.Fatalf("bakerID = %d, want 42", decoded.Header.BakerID)
	}
	if !HashEqual(decoded.Header.ParentHash, parent) {
		t.Fatalf("parent hash mismatch after round trip")
	}
	if !HashEqual(decoded.Header.LastFinalizedHash, lastFin) {
		t.Fatalf("last-finalized hash mismatch after round trip")
	}
	if len(decoded.Header.Transactions) != 1 || decoded.Header.Transactions[0].Sender.Name != "alice" {
		t.Fatalf("transaction list did not survive round trip: %+v", decoded.Header.Transactions)
	}
}

func TestBlockHashChangesWithHeader(t *testing.T) {
	parent := HashBytes([]byte("parent"))
	lastFin := HashBytes([]byte("last-finalized"))
	a := NewNormalBlock(1, parent, 0, VRFProof{Data: []byte("p")}, VRFProof{Data: []byte("n")}, lastFin, nil)
	b := NewNormalBlock(2, parent, 0, VRFProof{Data: []byte("p")}, VRFProof{Data: []byte("n")}, lastFin, nil)

	if HashEqual(BlockHash(a), BlockHash(b)) {
		t.Fatalf("blocks with different slots hashed equal")
	}
}

func TestCopyBlockIsIndependent(t *testing.T) {
	parent := HashBytes([]byte("parent"))
	lastFin := HashBytes([]byte("last-finalized"))
	tx := &Transaction{Sender: NewAccountName("bob"), Nonce: 1, Payload: []byte("x")}
	orig := NewNormalBlock(1, parent, 0, VRFProof{Data: []byte("p")}, VRFProof{Data: []byte("n")}, lastFin, []*Transaction{tx})

	cp := CopyBlock(orig)
	cp.Header.Transactions[0].Payload[0] = 'y'
	cp.Header.ParentHash.Data[0]++

	if orig.Header.Transactions[0].Payload[0] == 'y' {
		t.Fatalf("mutating the copy's transaction payload mutated the original")
	}
	if HashEqual(orig.Header.ParentHash, cp.Header.ParentHash) {
		t.Fatalf("mutating the copy's parent hash mutated the original")
	}
}
