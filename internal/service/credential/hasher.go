package credential

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Hasher derives the one-way fingerprint under which credentials are stored
// and recorded in the vote ledger.
type Hasher struct {
	key []byte
}

// NewHasher keys the hash with secret. An empty secret gets a random
// per-process key, which is enough because nothing outlives the process.
func NewHasher(secret []byte) (*Hasher, error) {
	key := secret
	switch {
	case len(key) == 0:
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate hash key: %w", err)
		}
	case len(key) > blake2b.Size:
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	// fail fast on a key blake2b rejects
	if _, err := blake2b.New256(key); err != nil {
		return nil, fmt.Errorf("init blake2b: %w", err)
	}
	return &Hasher{key: append([]byte(nil), key...)}, nil
}

// Hash returns the hex-encoded keyed blake2b-256 of token.
func (h *Hasher) Hash(token string) string {
	mac, _ := blake2b.New256(h.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
