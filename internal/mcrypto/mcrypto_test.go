package mcrypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func TestSymmetricRoundTrip(t *testing.T) {
	cipher, err := CipherFor(AlgorithmXChaCha20)
	if err != nil {
		t.Fatalf("cipher lookup failed: %v", err)
	}
	key, err := cipher.GenerateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	plaintext := []byte("hello, sealed world")

	ciphertext, usedKey, err := cipher.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext must differ from plaintext")
	}
	if len(usedKey.IV) == 0 {
		t.Fatal("encrypt must record the nonce on the key")
	}

	got, err := cipher.Decrypt(usedKey, ciphertext)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got=%q want=%q", got, plaintext)
	}
}

func TestSymmetricDecryptRejectsTamper(t *testing.T) {
	cipher, _ := CipherFor(AlgorithmXChaCha20)
	key, err := cipher.GenerateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	ciphertext, usedKey, err := cipher.Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	ciphertext[0] ^= 0xff
	if _, err := cipher.Decrypt(usedKey, ciphertext); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	if _, err := CipherFor("ROT13"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("expected ErrUnknownAlgorithm, got %v", err)
	}
}

func TestPlainCipherPassesThrough(t *testing.T) {
	cipher, err := CipherFor(AlgorithmPlain)
	if err != nil {
		t.Fatalf("cipher lookup failed: %v", err)
	}
	payload := []byte("broadcast body")
	ciphertext, key, err := cipher.Encrypt(PlainKey(), payload)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if !bytes.Equal(ciphertext, payload) {
		t.Fatal("plain cipher must not transform data")
	}
	if !key.IsPlain() {
		t.Fatalf("expected plain key, got %+v", key)
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	data := []byte("signed payload")
	sig, err := Sign(priv, data)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !Verify(pub, data, sig) {
		t.Fatal("signature must verify")
	}
	tampered := append([]byte(nil), data...)
	tampered[0] ^= 1
	if Verify(pub, tampered, sig) {
		t.Fatal("tampered data must not verify")
	}
	if Verify(pub[:16], data, sig) {
		t.Fatal("malformed key must verify nothing")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("pub derivation failed: %v", err)
	}

	plaintext := []byte("serialized symmetric key")
	sealed, err := Seal(pub, plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	got, err := Open(priv, sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got=%q want=%q", got, plaintext)
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("pub derivation failed: %v", err)
	}
	sealed, err := Seal(pub, []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	other := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(other); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	if _, err := Open(other, sealed); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
	if _, err := Open(priv, sealed[:10]); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed on truncated box, got %v", err)
	}
}
