package crypto

import (
	"errors"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"

	"github.com/Bargsteen/concordium-node/types"
)

// BLS witness-creator signatures use the standard pairing-based
// construction over gnark-crypto's BLS12-381 group: secret keys are
// scalars, public keys live in G2, signatures and their aggregate live
// in G1 (matching the 48-byte compressed point the finalization
// record's wire format reserves for blsAggregate). Verification
// checks e(sig, g2Gen) == e(H(msg), pubKey).

var g2Gen bls12381.G2Affine

func init() {
	_, _, _, g2Gen = bls12381.Generators()
}

type BLSSecretKey struct {
	scalar fr.Element
}

// GenerateBLSKey creates a fresh BLS keypair.
func GenerateBLSKey() (types.BLSPublicKey, *BLSSecretKey, error) {
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return types.BLSPublicKey{}, nil, err
	}
	var pub bls12381.G2Affine
	sb := sk.Bytes()
	pub.ScalarMultiplication(&g2Gen, bigIntFromBytes(sb[:]))
	return types.BLSPublicKey{Data: pub.Marshal()}, &BLSSecretKey{scalar: sk}, nil
}

func hashToG1(msg []byte) (bls12381.G1Affine, error) {
	return bls12381.HashToG1(msg, []byte("CONCORDIUM-WMVBA-WITNESS-BLS12381G1"))
}

// SignBLS signs msg, producing a G1 point as the signature.
func SignBLS(sk *BLSSecretKey, msg []byte) (types.BLSSignature, error) {
	h, err := hashToG1(msg)
	if err != nil {
		return types.BLSSignature{}, err
	}
	var sig bls12381.G1Affine
	sb := sk.scalar.Bytes()
	sig.ScalarMultiplication(&h, bigIntFromBytes(sb[:]))
	compressed := sig.Bytes()
	return types.BLSSignature{Data: compressed[:]}, nil
}

// VerifyBLS verifies a single witness-creator signature.
func VerifyBLS(pub types.BLSPublicKey, msg []byte, sig types.BLSSignature) error {
	var pubPoint bls12381.G2Affine
	if _, err := pubPoint.SetBytes(pub.Data); err != nil {
		return err
	}
	var sigPoint bls12381.G1Affine
	if _, err := sigPoint.SetBytes(sig.Data); err != nil {
		return err
	}
	h, err := hashToG1(msg)
	if err != nil {
		return err
	}
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{sigPoint, h},
		[]bls12381.G2Affine{negG2(g2Gen), pubPoint},
	)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("crypto: bls signature verification failed")
	}
	return nil
}

// AggregateBLS sums a set of G1 signatures into a single aggregate
// point, implementing Bls.aggregate(sigs) from the WMVBA witness
// aggregation step.
func AggregateBLS(sigs []types.BLSSignature) (types.BLSSignature, error) {
	if len(sigs) == 0 {
		return types.BLSSignature{}, errors.New("crypto: no signatures to aggregate")
	}
	var acc bls12381.G1Jac
	for i, s := range sigs {
		var p bls12381.G1Affine
		if _, err := p.SetBytes(s.Data); err != nil {
			return types.BLSSignature{}, err
		}
		if i == 0 {
			acc.FromAffine(&p)
			continue
		}
		var pj bls12381.G1Jac
		pj.FromAffine(&p)
		acc.AddAssign(&pj)
	}
	var aggAffine bls12381.G1Affine
	aggAffine.FromJacobian(&acc)
	compressed := aggAffine.Bytes()
	return types.BLSSignature{Data: compressed[:]}, nil
}

// VerifyAggregateBLS checks an aggregate signature against the same
// message for a set of committee public keys.
func VerifyAggregateBLS(msg []byte, agg types.BLSSignature, pubKeys []types.BLSPublicKey) error {
	if len(pubKeys) == 0 {
		return errors.New("crypto: empty party set")
	}
	var accPub bls12381.G2Jac
	for i, pk := range pubKeys {
		var p bls12381.G2Affine
		if _, err := p.SetBytes(pk.Data); err != nil {
			return err
		}
		if i == 0 {
			accPub.FromAffine(&p)
			continue
		}
		var pj bls12381.G2Jac
		pj.FromAffine(&p)
		accPub.AddAssign(&pj)
	}
	var accPubAffine bls12381.G2Affine
	accPubAffine.FromJacobian(&accPub)

	var sigPoint bls12381.G1Affine
	if _, err := sigPoint.SetBytes(agg.Data); err != nil {
		return err
	}
	h, err := hashToG1(msg)
	if err != nil {
		return err
	}
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{sigPoint, h},
		[]bls12381.G2Affine{negG2(g2Gen), accPubAffine},
	)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("crypto: bls aggregate verification failed")
	}
	return nil
}

func negG2(p bls12381.G2Affine) bls12381.G2Affine {
	var n bls12381.G2Affine
	n.Neg(&p)
	return n
}

func bigIntFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
