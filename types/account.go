package types

import "crypto/ed25519"

// AccountName identifies a baker, finalization-committee party or
// transaction sender. The consensus core treats it as an opaque name;
// account balances and multi-signature authorization live in the
// execution layer and are out of scope here.
type AccountName struct {
	Name string
}

func NewAccountName(name string) AccountName {
	return AccountName{Name: name}
}

func AccountNameString(a AccountName) string {
	return a.Name
}

func IsAccountNameEmpty(a AccountName) bool {
	return a.Name == ""
}

func AccountNameEqual(a, b AccountName) bool {
	return a.Name == b.Name
}

func CopyAccountName(a AccountName) AccountName {
	return AccountName{Name: a.Name}
}

// VerifySignature verifies an ed25519 signature of message under pubKey.
func VerifySignature(pubKey PublicKey, message []byte, sig Signature) bool {
	if len(pubKey.Data) != ed25519.PublicKeySize {
		return false
	}
	if len(sig.Data) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey.Data, message, sig.Data)
}
