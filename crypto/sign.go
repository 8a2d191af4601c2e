package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/Bargsteen/concordium-node/types"
)

// GenerateSigningKey creates a fresh ed25519 baker signing keypair.
func GenerateSigningKey() (types.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return types.PublicKey{}, nil, err
	}
	pk, err := types.NewPublicKey(pub)
	if err != nil {
		return types.PublicKey{}, nil, err
	}
	return pk, priv, nil
}

// Sign produces a signature over message using an ed25519 private key.
func Sign(priv ed25519.PrivateKey, message []byte) types.Signature {
	sig := ed25519.Sign(priv, message)
	return types.MustNewSignature(sig)
}

// VerifySignature verifies an ed25519 signature.
func VerifySignature(pub types.PublicKey, message []byte, sig types.Signature) error {
	if len(pub.Data) != ed25519.PublicKeySize {
		return errors.New("crypto: invalid public key size")
	}
	if len(sig.Data) != ed25519.SignatureSize {
		return errors.New("crypto: invalid signature size")
	}
	if !ed25519.Verify(pub.Data, message, sig.Data) {
		return errors.New("crypto: signature verification failed")
	}
	return nil
}

// SignBlock signs a block header's canonical bytes and returns the
// completed, signed block.
func SignBlock(priv ed25519.PrivateKey, block *types.Block) {
	block.Signature = Sign(priv, types.BlockSignBytes(&block.Header))
}

// VerifyBlockSignature checks a block's baker signature.
func VerifyBlockSignature(pub types.PublicKey, block *types.Block) error {
	return VerifySignature(pub, types.BlockSignBytes(&block.Header), block.Signature)
}

// SignFinalizationMessage signs a WMVBA wire envelope.
func SignFinalizationMessage(priv ed25519.PrivateKey, m *types.FinalizationMessage) {
	m.Signature = Sign(priv, m.SignBytes())
}

func VerifyFinalizationMessage(pub types.PublicKey, m *types.FinalizationMessage) error {
	return VerifySignature(pub, m.SignBytes(), m.Signature)
}
