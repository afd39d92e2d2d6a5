// Package sealer implements the symmetric payload encryption of spec §4.2:
// AES-256-GCM with a fixed, public envelope layout and a fresh nonce drawn
// from a cryptographic RNG on every call.
package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/R3E-Network/secure-index/internal/errs"
)

const (
	ivSize  = 12
	tagSize = 16
	keySize = 32
)

// Sealer performs AES-GCM authenticated encryption of opaque payload bytes
// under a single 256-bit master key. The sealed layout is fixed and public:
// IV(12) || TAG(16) || CIPHERTEXT.
type Sealer struct {
	aead cipher.AEAD
}

// New constructs a Sealer from a 256-bit key. The key is not copied; callers
// own its zeroization.
func New(key []byte) (*Sealer, error) {
	if len(key) != keySize {
		return nil, errs.WrapInternal("sealer: key must be 32 bytes", nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.WrapInternal("sealer: new cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.WrapInternal("sealer: new gcm", err)
	}
	return &Sealer{aead: aead}, nil
}

// Encrypt seals plaintext, returning IV(12) || TAG(16) || CIPHERTEXT. A
// fresh IV is drawn for every call and must never repeat under the same key.
func (s *Sealer) Encrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errs.WrapIOFail("sealer: read iv", err)
	}

	// Seal appends ciphertext||tag; the wire layout wants tag before
	// ciphertext, so split and reassemble in the fixed order.
	sealed := s.aead.Seal(nil, iv, plaintext, nil)
	ctLen := len(sealed) - tagSize
	ciphertext, tag := sealed[:ctLen], sealed[ctLen:]

	out := make([]byte, 0, ivSize+tagSize+ctLen)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// EncryptString is Encrypt for a string payload.
func (s *Sealer) EncryptString(plaintext string) ([]byte, error) {
	return s.Encrypt([]byte(plaintext))
}

// Decrypt opens a sealed blob produced by Encrypt. Returns AUTH_FAIL if the
// GCM tag does not verify, whether due to tampering or a wrong key — the two
// causes are reported identically to avoid an oracle (spec §7).
func (s *Sealer) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < ivSize+tagSize {
		return nil, errs.NewAuthFail("sealer: sealed blob too short")
	}
	iv := sealed[:ivSize]
	tag := sealed[ivSize : ivSize+tagSize]
	ciphertext := sealed[ivSize+tagSize:]

	// cipher.AEAD.Open expects ciphertext||tag.
	combined := make([]byte, 0, len(ciphertext)+len(tag))
	combined = append(combined, ciphertext...)
	combined = append(combined, tag...)

	plaintext, err := s.aead.Open(nil, iv, combined, nil)
	if err != nil {
		return nil, errs.NewAuthFail("sealer: gcm tag verification failed")
	}
	return plaintext, nil
}

// EncryptBatch applies Encrypt pointwise.
func (s *Sealer) EncryptBatch(plaintexts [][]byte) ([][]byte, error) {
	out := make([][]byte, len(plaintexts))
	for i, p := range plaintexts {
		sealed, err := s.Encrypt(p)
		if err != nil {
			return nil, err
		}
		out[i] = sealed
	}
	return out, nil
}

// DecryptBatch applies Decrypt pointwise.
func (s *Sealer) DecryptBatch(sealed [][]byte) ([][]byte, error) {
	out := make([][]byte, len(sealed))
	for i, b := range sealed {
		plaintext, err := s.Decrypt(b)
		if err != nil {
			return nil, err
		}
		out[i] = plaintext
	}
	return out, nil
}
