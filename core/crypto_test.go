package core

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func TestDeriveAddressDeterministicAndSized(t *testing.T) {
	def := []byte(`["sig",{"pubkey":"abc"}]`)
	a1 := DeriveAddress(def)
	a2 := DeriveAddress(def)
	if a1 != a2 {
		t.Fatalf("DeriveAddress must be deterministic for the same definition")
	}
	if len(a1) != 16 {
		t.Fatalf("address must be 16 bytes, got %d", len(a1))
	}

	other := DeriveAddress([]byte(`["sig",{"pubkey":"xyz"}]`))
	if a1 == other {
		t.Fatalf("distinct definitions must not collide")
	}
}

func TestEncodeDecodeAddressRoundTrip(t *testing.T) {
	addr := DeriveAddress([]byte("definition-under-test"))
	encoded := EncodeAddress(addr)
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != addr {
		t.Fatalf("round trip mismatch: %x != %x", decoded, addr)
	}
}

func TestDecodeAddressRejectsCorruption(t *testing.T) {
	addr := DeriveAddress([]byte("some definition"))
	encoded := EncodeAddress(addr)

	corrupted := []rune(encoded)
	if corrupted[0] != 'A' {
		corrupted[0] = 'A'
	} else {
		corrupted[0] = 'B'
	}
	if _, err := DecodeAddress(string(corrupted)); err == nil {
		t.Fatalf("expected checksum mismatch to be detected")
	}
}

func TestSignAndVerifyDigest(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := sha256.Sum256([]byte("message to sign"))

	sig, err := SignDigest(priv.Serialize(), digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	pubKey := priv.PubKey().SerializeCompressed()
	ok, err := VerifySignature(pubKey, sig, digest[:])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}

	wrongDigest := sha256.Sum256([]byte("different message"))
	ok, err = VerifySignature(pubKey, sig, wrongDigest[:])
	if err != nil {
		t.Fatalf("verify wrong digest: %v", err)
	}
	if ok {
		t.Fatalf("signature must not verify against a different digest")
	}
}
