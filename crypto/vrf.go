package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"math"
	"math/big"

	"github.com/Bargsteen/concordium-node/types"
)

// VRF is implemented as a deterministic-signature construction: the
// proof is an ed25519 signature over alpha (unique because ed25519
// signing is deterministic for a fixed key and message), and the
// pseudorandom output is the SHA-256 hash of the proof. Verification
// re-checks the ed25519 signature. This keeps the same key material
// and verification shape as a privval-style signing path while
// giving the baker loop a VRF-shaped prove/verify/output interface;
// the wire encoding of the proof itself is opaque per the crypto
// Non-goals.

// Prove computes a VRF proof and its pseudorandom output for alpha.
func Prove(priv ed25519.PrivateKey, alpha []byte) (types.VRFProof, [32]byte) {
	sig := ed25519.Sign(priv, alpha)
	return types.VRFProof{Data: sig}, sha256.Sum256(sig)
}

// VerifyVRF checks a VRF proof against alpha and returns its output on
// success.
func VerifyVRF(pub types.PublicKey, alpha []byte, proof types.VRFProof) ([32]byte, error) {
	if len(pub.Data) != ed25519.PublicKeySize {
		return [32]byte{}, errors.New("crypto: invalid vrf public key size")
	}
	if !ed25519.Verify(pub.Data, alpha, proof.Data) {
		return [32]byte{}, types.ErrInvalidVRFProof
	}
	return sha256.Sum256(proof.Data), nil
}

// HashToDouble maps a VRF output to a float in [0, 1), used by the
// leader-election test hashToDouble(proof) < 1 - (1-electionDifficulty)^lotteryPower.
func HashToDouble(output [32]byte) float64 {
	n := new(big.Int).SetBytes(output[:])
	denom := new(big.Int).Lsh(big.NewInt(1), 256)
	f := new(big.Float).SetInt(n)
	d := new(big.Float).SetInt(denom)
	f.Quo(f, d)
	out, _ := f.Float64()
	return out
}

// WinsLottery implements the election test from the baker loop.
func WinsLottery(output [32]byte, electionDifficulty float64, lotteryPower float64) bool {
	threshold := 1 - math.Pow(1-electionDifficulty, lotteryPower)
	return HashToDouble(output) < threshold
}
