package types

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Transaction is the unit the tree state and baker reason about. Its
// payload (the part the execution layer interprets) is opaque here;
// only sender, nonce and signature are structurally relevant to the
// transaction table's nonce-ordering and the baker's assembly pass.
type Transaction struct {
	Sender    AccountName
	Nonce     uint64
	Payload   []byte
	Signature Signature
}

// TxHash is the identity of a transaction: SHA-256 of its canonical
// encoding excluding the signature.
func TxHash(tx *Transaction) Hash {
	return HashBytes(txSignBytes(tx))
}

func txSignBytes(tx *Transaction) []byte {
	var buf bytes.Buffer
	writeString(&buf, tx.Sender.Name)
	writeU64(&buf, tx.Nonce)
	writeBytes(&buf, tx.Payload)
	return buf.Bytes()
}

// Encode writes the deterministic wire form of tx: sender ‖ nonce:u64_be
// ‖ len(payload):u32_be ‖ payload ‖ signature:64.
func (tx *Transaction) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(txSignBytes(tx))
	buf.Write(padSignature(tx.Signature))
	return buf.Bytes()
}

func DecodeTransaction(data []byte) (*Transaction, []byte, error) {
	r := bytes.NewReader(data)
	sender, err := readString(r)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := readU64(r)
	if err != nil {
		return nil, nil, err
	}
	payload, err := readBytes(r)
	if err != nil {
		return nil, nil, err
	}
	sigBytes := make([]byte, SignatureSize)
	if _, err := r.Read(sigBytes); err != nil {
		return nil, nil, errors.New("transaction: truncated signature")
	}
	rest := data[len(data)-r.Len():]
	tx := &Transaction{
		Sender:    AccountName{Name: sender},
		Nonce:     nonce,
		Payload:   payload,
		Signature: Signature{Data: sigBytes},
	}
	return tx, rest, nil
}

func padSignature(sig Signature) []byte {
	out := make([]byte, SignatureSize)
	copy(out, sig.Data)
	return out
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, errors.New("truncated length prefix")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, errors.New("truncated byte string")
		}
	}
	return out, nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, errors.New("truncated u64")
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// TxStatus is the lifecycle state of a transaction in the table.
type TxStatus int

const (
	TxStatusUnknown TxStatus = iota
	TxStatusReceived
	TxStatusCommitted
	TxStatusFinalized
)

// TxEntry is the value side of the transaction table's hash map.
type TxEntry struct {
	Tx     *Transaction
	Status TxStatus
	Slot   uint64
	// Committed holds block hash -> index within that block's tx list,
	// for every live block the tx is currently committed to.
	Committed map[string]int
	// FinalizedIn is set once Status == TxStatusFinalized.
	FinalizedIn *Hash
}
