package kvdoc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptSaltSize = 32
	gcmNonceSize   = 16
	scryptN        = 1 << 15
	scryptR        = 8
	scryptP        = 1
	aesKeySize     = 32
)

// encryptionFilter is a byte-in/byte-out filter applied to the
// snapshot file only. The WAL is never encrypted; a reader of the WAL
// on disk sees plaintext mutation records even when a passphrase is
// configured.
type encryptionFilter struct {
	passphrase string
}

func newEncryptionFilter(key string) *encryptionFilter {
	if key == "" {
		return nil
	}
	return &encryptionFilter{passphrase: key}
}

// Encrypt produces salt ‖ iv ‖ authTag ‖ ciphertext, hex-encoded as a
// single UTF-8 stream. GCM appends authTag to ciphertext, so
// layout-wise this is salt ‖ iv ‖ gcm.Seal(nil, iv, plaintext, nil).
func (ef *encryptionFilter) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, scryptSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("kvdoc: generate salt: %w", err)
	}
	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("kvdoc: generate iv: %w", err)
	}

	gcm, err := ef.newGCM(salt, len(iv))
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)

	raw := make([]byte, 0, len(salt)+len(iv)+len(sealed))
	raw = append(raw, salt...)
	raw = append(raw, iv...)
	raw = append(raw, sealed...)

	out := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(out, raw)
	return out, nil
}

// Decrypt reverses Encrypt. It returns a CorruptionError-wrapped
// failure if the envelope is malformed or the auth tag doesn't
// verify.
func (ef *encryptionFilter) Decrypt(hexData []byte) ([]byte, error) {
	raw := make([]byte, hex.DecodedLen(len(hexData)))
	n, err := hex.Decode(raw, hexData)
	if err != nil {
		return nil, corruptionErrf("", err, "malformed hex envelope")
	}
	raw = raw[:n]

	if len(raw) < scryptSaltSize+gcmNonceSize {
		return nil, corruptionErrf("", nil, "envelope too short")
	}
	salt := raw[:scryptSaltSize]
	iv := raw[scryptSaltSize : scryptSaltSize+gcmNonceSize]
	sealed := raw[scryptSaltSize+gcmNonceSize:]

	gcm, err := ef.newGCM(salt, len(iv))
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, corruptionErrf("", err, "decryption failed (wrong key or corrupted file)")
	}
	return plaintext, nil
}

func (ef *encryptionFilter) newGCM(salt []byte, nonceSize int) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(ef.passphrase), salt, scryptN, scryptR, scryptP, aesKeySize)
	if err != nil {
		return nil, fmt.Errorf("kvdoc: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kvdoc: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("kvdoc: new gcm: %w", err)
	}
	return gcm, nil
}
