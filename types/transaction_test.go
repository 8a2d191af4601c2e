package types

import "testing"

func TestTransactionEncodeDecodeRoundTrip(t *testing.T) {
	tx := &Transaction{
		Sender:    NewAccountName("alice"),
		Nonce:     5,
		Payload:   []byte("transfer 10 to bob"),
		Signature: MustNewSignature(make([]byte, SignatureSize)),
	}
	raw := tx.Encode()

	decoded, rest, err := DecodeTransaction(raw)
	if err != nil {
		t.Fatalf("DecodeTransaction: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("rest = %d bytes, want 0", len(rest))
	}
	if decoded.Sender.Name != "alice" || decoded.Nonce != 5 {
		t.Fatalf("decoded = %+v, want sender=alice nonce=5", decoded)
	}
	if string(decoded.Payload) != "transfer 10 to bob" {
		t.Fatalf("payload = %q", decoded.Payload)
	}
}

func TestDecodeTransactionLeavesTrailingBytes(t *testing.T) {
	tx := &Transaction{Sender: NewAccountName("alice"), Nonce: 1, Payload: []byte("p")}
	raw := append(tx.Encode(), []byte("trailing")...)

	_, rest, err := DecodeTransaction(raw)
	if err != nil {
		t.Fatalf("DecodeTransaction: %v", err)
	}
	if string(rest) != "trailing" {
		t.Fatalf("rest = %q, want %q", rest, "trailing")
	}
}

func TestTxHashStableAcrossSignature(t *testing.T) {
	base := &Transaction{Sender: NewAccountName("alice"), Nonce: 1, Payload: []byte("p")}
	signed := &Transaction{Sender: NewAccountName("alice"), Nonce: 1, Payload: []byte("p"), Signature: MustNewSignature(make([]byte, SignatureSize))}

	if !HashEqual(TxHash(base), TxHash(signed)) {
		t.Fatalf("TxHash must not depend on the signature")
	}
}

func TestTxHashDiffersByNonce(t *testing.T) {
	a := &Transaction{Sender: NewAccountName("alice"), Nonce: 1, Payload: []byte("p")}
	b := &Transaction{Sender: NewAccountName("alice"), Nonce: 2, Payload: []byte("p")}

	if HashEqual(TxHash(a), TxHash(b)) {
		t.Fatalf("transactions with different nonces hashed equal")
	}
}
