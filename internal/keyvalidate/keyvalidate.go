// Package keyvalidate checks an encryption key against an array's
// stored EncryptionRecord before an open is allowed to proceed. The
// cipher construction (sha256 key digest -> aes.NewCipher ->
// cipher.NewGCM) follows the ancestor's pkg/storage.Storage.getData,
// which used the same three stdlib packages directly rather than a
// dedicated crypto library.
package keyvalidate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/i5heu/gridstore/pkg/types"
)

// NewRecord derives an EncryptionRecord from key, sealing a random
// challenge so a later Validate call can confirm a candidate key
// without ever storing the key itself.
func NewRecord(key []byte) (*types.EncryptionRecord, error) {
	digestKey := sha256.Sum256(key)

	block, err := aes.NewCipher(digestKey[:])
	if err != nil {
		return nil, fmt.Errorf("keyvalidate: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyvalidate: new gcm: %w", err)
	}

	salt := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keyvalidate: generate salt: %w", err)
	}

	challenge := sha256.Sum256(append([]byte("gridstore-key-challenge"), key...))
	digest := gcm.Seal(nil, salt, challenge[:], nil)

	return &types.EncryptionRecord{Salt: salt, Digest: digest}, nil
}

// Validate reports whether key unseals rec.Digest, i.e. whether key is
// the same key NewRecord was originally called with.
func Validate(rec *types.EncryptionRecord, key []byte) (bool, error) {
	if rec == nil {
		return true, nil
	}

	digestKey := sha256.Sum256(key)
	block, err := aes.NewCipher(digestKey[:])
	if err != nil {
		return false, fmt.Errorf("keyvalidate: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return false, fmt.Errorf("keyvalidate: new gcm: %w", err)
	}

	challenge := sha256.Sum256(append([]byte("gridstore-key-challenge"), key...))
	plain, err := gcm.Open(nil, rec.Salt, rec.Digest, nil)
	if err != nil {
		// A GCM authentication failure means the key was wrong, not an
		// infrastructure error.
		return false, nil
	}
	return subtle.ConstantTimeCompare(plain, challenge[:]) == 1, nil
}
