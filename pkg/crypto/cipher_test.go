package crypto

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRoundtrip(t *testing.T) {
	cipher, err := EncryptString("secret-key", "hook-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(cipher, []byte("hook-secret")) {
		t.Fatal("plaintext must not appear in the ciphertext")
	}
	plain, err := DecryptToString("secret-key", cipher)
	if err != nil || plain != "hook-secret" {
		t.Fatalf("decrypt: %q %v", plain, err)
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	a, _ := EncryptString("secret-key", "same input")
	b, _ := EncryptString("secret-key", "same input")
	if bytes.Equal(a, b) {
		t.Fatal("each encryption must use a fresh nonce")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	cipher, _ := EncryptString("secret-key", "hook-secret")
	if _, err := DecryptToString("other-key", cipher); err == nil {
		t.Fatal("wrong key must not decrypt")
	}
}

func TestDecryptTamperedPayloadFails(t *testing.T) {
	cipher, _ := EncryptString("secret-key", "hook-secret")
	cipher[len(cipher)-1] ^= 0xff
	if _, err := DecryptToString("secret-key", cipher); err == nil {
		t.Fatal("tampered ciphertext must fail authentication")
	}
}

func TestDecryptShortPayload(t *testing.T) {
	if _, err := DecryptToString("secret-key", []byte("short")); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("payload shorter than the nonce: %v", err)
	}
}
