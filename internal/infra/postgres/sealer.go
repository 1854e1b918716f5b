package postgres

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/dvloznov/finance-sync/internal/domain"
)

const nonceSize = 24

// Sealer encrypts aggregator access credentials at rest. The stored form
// is the random nonce followed by the secretbox output.
type Sealer struct {
	key *[32]byte
}

// NewSealer returns a Sealer using key.
func NewSealer(key *[32]byte) (*Sealer, error) {
	if key == nil {
		return nil, errors.New("credential key is required")
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts s.
func (c *Sealer) Seal(s domain.Secret) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(s.Reveal()), &nonce, c.key), nil
}

// Open decrypts a value produced by Seal.
func (c *Sealer) Open(box []byte) (domain.Secret, error) {
	if len(box) < nonceSize+secretbox.Overhead {
		return "", errors.New("open: sealed credential too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, c.key)
	if !ok {
		return "", errors.New("open: credential does not decrypt with the configured key")
	}
	return domain.Secret(plain), nil
}
