package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	HashSize         = 32
	SignatureSize    = 64 // ed25519 block/finalization-message signature
	PublicKeySize    = 32 // ed25519 baker signing key
	BLSSignatureSize = 48 // compressed BLS12-381 G1 point
)

// Hash is a 32-byte SHA-256 digest. It is the identity of blocks,
// transactions and finalization records.
type Hash struct {
	Data []byte
}

// Signature is an ed25519 signature over a canonical byte encoding.
type Signature struct {
	Data []byte
}

// PublicKey is an ed25519 baker signing key.
type PublicKey struct {
	Data []byte
}

// VRFProof is an opaque VRF proof. Its internal wire encoding is not
// specified (crypto primitive encodings are treated as opaque); only
// its use as a byte string inside a block header is specified.
type VRFProof struct {
	Data []byte
}

// VRFPublicKey is an opaque VRF public key.
type VRFPublicKey struct {
	Data []byte
}

// BLSSignature is a compressed BLS12-381 G1 point, used for individual
// witness-creator signatures and for the aggregate in a finalization
// proof.
type BLSSignature struct {
	Data []byte
}

// BLSPublicKey is an opaque BLS12-381 G2 public key.
type BLSPublicKey struct {
	Data []byte
}

func NewHash(data []byte) (Hash, error) {
	if len(data) != HashSize {
		return Hash{}, fmt.Errorf("invalid hash size: got %d, want %d", len(data), HashSize)
	}
	out := make([]byte, HashSize)
	copy(out, data)
	return Hash{Data: out}, nil
}

func MustNewHash(data []byte) Hash {
	h, err := NewHash(data)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes computes the SHA-256 digest of data.
func HashBytes(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash{Data: sum[:]}
}

func HashEmpty() Hash {
	return Hash{Data: make([]byte, HashSize)}
}

func IsHashEmpty(h *Hash) bool {
	if h == nil {
		return true
	}
	if len(h.Data) == 0 {
		return true
	}
	for _, b := range h.Data {
		if b != 0 {
			return false
		}
	}
	return true
}

func HashEqual(a, b Hash) bool {
	if len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

func HashString(h Hash) string {
	return hex.EncodeToString(h.Data)
}

func NewSignature(data []byte) (Signature, error) {
	if len(data) != SignatureSize {
		return Signature{}, errors.New("invalid signature size")
	}
	out := make([]byte, SignatureSize)
	copy(out, data)
	return Signature{Data: out}, nil
}

func MustNewSignature(data []byte) Signature {
	s, err := NewSignature(data)
	if err != nil {
		panic(err)
	}
	return s
}

func NewPublicKey(data []byte) (PublicKey, error) {
	if len(data) != PublicKeySize {
		return PublicKey{}, errors.New("invalid public key size")
	}
	out := make([]byte, PublicKeySize)
	copy(out, data)
	return PublicKey{Data: out}, nil
}

func MustNewPublicKey(data []byte) PublicKey {
	k, err := NewPublicKey(data)
	if err != nil {
		panic(err)
	}
	return k
}

func PublicKeyEqual(a, b PublicKey) bool {
	if len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

func CopyHash(h *Hash) *Hash {
	if h == nil {
		return nil
	}
	out := &Hash{}
	if len(h.Data) > 0 {
		out.Data = make([]byte, len(h.Data))
		copy(out.Data, h.Data)
	}
	return out
}
