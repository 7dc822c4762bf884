// ABOUTME: At-rest sealing of session blobs using nacl/secretbox
// ABOUTME: Key is derived from an operator passphrase; nonce is prefixed to the box

package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrSealOpen is returned when a stored blob cannot be opened with the
// configured store key, either because the key changed or the row is corrupt.
var ErrSealOpen = errors.New("opening sealed blob failed")

const nonceSize = 24

// Sealer encrypts and decrypts session blobs for storage at rest.
type Sealer struct {
	key [32]byte
}

// NewSealer derives a sealing key from the operator-supplied passphrase.
// Derivation is deterministic so the same passphrase reopens existing rows.
func NewSealer(passphrase string) *Sealer {
	s := &Sealer{}
	s.key = sha256.Sum256([]byte("relay-gateway credential store:" + passphrase))
	return s
}

// Seal encrypts a blob. The random nonce is prepended to the ciphertext.
// Sealing nil returns nil so "no prior session" stays representable.
func (s *Sealer) Seal(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], blob, &nonce, &s.key), nil
}

// Open decrypts a sealed blob produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrSealOpen
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	blob, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrSealOpen
	}
	return blob, nil
}
