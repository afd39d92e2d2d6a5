package sealer

import (
	"bytes"
	"testing"

	"github.com/R3E-Network/secure-index/internal/errs"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s, err := New(testKey())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	t.Run("round trip preserves plaintext", func(t *testing.T) {
		plaintext := []byte("hello, encrypted record store")
		sealed, err := s.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		got, err := s.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("Decrypt() = %q, want %q", got, plaintext)
		}
	})

	t.Run("envelope layout is IV||TAG||CIPHERTEXT", func(t *testing.T) {
		plaintext := []byte("x")
		sealed, err := s.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		wantLen := ivSize + tagSize + len(plaintext)
		if len(sealed) != wantLen {
			t.Errorf("len(sealed) = %d, want %d", len(sealed), wantLen)
		}
	})

	t.Run("two calls yield distinct ciphertexts", func(t *testing.T) {
		plaintext := []byte("same plaintext")
		a, _ := s.Encrypt(plaintext)
		b, _ := s.Encrypt(plaintext)
		if bytes.Equal(a, b) {
			t.Error("expected distinct ciphertexts for distinct IVs")
		}
	})

	t.Run("tampered ciphertext fails with AUTH_FAIL", func(t *testing.T) {
		sealed, _ := s.Encrypt([]byte("secret"))
		sealed[len(sealed)-1] ^= 0xFF
		if _, err := s.Decrypt(sealed); !errs.Is(err, errs.AuthFail) {
			t.Errorf("expected AUTH_FAIL on tampered ciphertext, got %v", err)
		}
	})

	t.Run("wrong key fails identically to tampering", func(t *testing.T) {
		sealed, _ := s.Encrypt([]byte("secret"))
		other, _ := New(bytes.Repeat([]byte{0xAB}, 32))
		if _, err := other.Decrypt(sealed); !errs.Is(err, errs.AuthFail) {
			t.Errorf("expected AUTH_FAIL under wrong key, got %v", err)
		}
	})
}

func TestBatch(t *testing.T) {
	s, _ := New(testKey())
	plaintexts := [][]byte{[]byte("a"), []byte("b"), []byte("c")}

	sealed, err := s.EncryptBatch(plaintexts)
	if err != nil {
		t.Fatalf("EncryptBatch() error = %v", err)
	}
	got, err := s.DecryptBatch(sealed)
	if err != nil {
		t.Fatalf("DecryptBatch() error = %v", err)
	}
	for i := range plaintexts {
		if !bytes.Equal(got[i], plaintexts[i]) {
			t.Errorf("DecryptBatch()[%d] = %q, want %q", i, got[i], plaintexts[i])
		}
	}
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	if _, err := New(make([]byte, 16)); err == nil {
		t.Error("expected error for 16-byte key")
	}
}
