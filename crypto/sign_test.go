package crypto

import "testing"

func TestSignAndVerifySignature(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	msg := []byte("hello consensus")
	sig := Sign(priv, msg)

	if err := VerifySignature(pub, msg, sig); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if err := VerifySignature(pub, []byte("tampered"), sig); err == nil {
		t.Fatalf("expected verification to fail for a tampered message")
	}
}

func TestSignAndVerifyBlock(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	block := testNormalBlock()
	SignBlock(priv, block)

	if err := VerifyBlockSignature(pub, block); err != nil {
		t.Fatalf("VerifyBlockSignature: %v", err)
	}

	block.Header.Slot++
	if err := VerifyBlockSignature(pub, block); err == nil {
		t.Fatalf("expected verification to fail after the header changed")
	}
}
