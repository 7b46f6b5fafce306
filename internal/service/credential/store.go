// Package credential issues and redeems single-use voting credentials.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/z-ballot/backend/internal/model/ballot"
)

const (
	// MinTokenBytes is the smallest accepted credential entropy.
	MinTokenBytes     = 16
	DefaultTokenBytes = 32

	shardCount = 16
)

type entry struct {
	sessionID  string
	windowID   string
	memberName string
	createdAt  time.Time
	expiresAt  time.Time
	redeemed   atomic.Bool
}

func (e *entry) view() ballot.Credential {
	return ballot.Credential{
		SessionID:  e.sessionID,
		WindowID:   e.windowID,
		MemberName: e.memberName,
		Redeemed:   e.redeemed.Load(),
		CreatedAt:  e.createdAt,
		ExpiresAt:  e.expiresAt,
	}
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Redemption is the outcome of a successful Redeem.
type Redemption struct {
	Credential ballot.Credential
	Hash       string
}

// Store keeps issued credentials keyed by their hash. The plaintext is
// returned from Issue once and never retained.
type Store struct {
	hasher     *Hasher
	tokenBytes int
	shards     [shardCount]shard

	windowsMu sync.RWMutex
	windows   map[string][]*entry
}

// NewStore creates a store generating tokenBytes of entropy per credential.
func NewStore(hasher *Hasher, tokenBytes int) (*Store, error) {
	if hasher == nil {
		return nil, fmt.Errorf("credential hasher is required")
	}
	if tokenBytes == 0 {
		tokenBytes = DefaultTokenBytes
	}
	if tokenBytes < MinTokenBytes {
		return nil, fmt.Errorf("token length %d below minimum of %d bytes", tokenBytes, MinTokenBytes)
	}
	s := &Store{
		hasher:     hasher,
		tokenBytes: tokenBytes,
		windows:    make(map[string][]*entry),
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s, nil
}

func (s *Store) shardFor(hash string) *shard {
	// hash is hex, so its first byte is evenly spread over 16 digits
	var idx byte
	switch c := hash[0]; {
	case c >= '0' && c <= '9':
		idx = c - '0'
	case c >= 'a' && c <= 'f':
		idx = c - 'a' + 10
	}
	return &s.shards[idx%shardCount]
}

// Issue mints a credential for one roster member of a window. issuedAt comes
// from the caller's clock.
func (s *Store) Issue(sessionID, windowID, memberName string, issuedAt, expiresAt time.Time) (string, error) {
	raw := make([]byte, s.tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	hash := s.hasher.Hash(token)

	e := &entry{
		sessionID:  sessionID,
		windowID:   windowID,
		memberName: memberName,
		createdAt:  issuedAt.UTC(),
		expiresAt:  expiresAt,
	}

	sh := s.shardFor(hash)
	sh.mu.Lock()
	if _, exists := sh.entries[hash]; exists {
		sh.mu.Unlock()
		return "", fmt.Errorf("credential collision")
	}
	sh.entries[hash] = e
	sh.mu.Unlock()

	s.windowsMu.Lock()
	s.windows[windowID] = append(s.windows[windowID], e)
	s.windowsMu.Unlock()

	return token, nil
}

func (s *Store) find(token string) (*entry, string, error) {
	if token == "" {
		return nil, "", ballot.ErrNotFound
	}
	hash := s.hasher.Hash(token)
	sh := s.shardFor(hash)
	sh.mu.RLock()
	e, ok := sh.entries[hash]
	sh.mu.RUnlock()
	if !ok {
		return nil, "", ballot.ErrNotFound
	}
	return e, hash, nil
}

// Lookup returns the credential without consuming it.
func (s *Store) Lookup(token string) (ballot.Credential, error) {
	e, _, err := s.find(token)
	if err != nil {
		return ballot.Credential{}, err
	}
	return e.view(), nil
}

// Redeem consumes the credential. Among concurrent callers presenting the
// same token exactly one succeeds; the rest get ErrAlreadyUsed.
func (s *Store) Redeem(token string, now time.Time) (Redemption, error) {
	e, hash, err := s.find(token)
	if err != nil {
		return Redemption{}, err
	}
	if e.redeemed.Load() {
		return Redemption{}, ballot.ErrAlreadyUsed
	}
	if now.After(e.expiresAt) {
		return Redemption{}, ballot.ErrExpired
	}
	if !e.redeemed.CompareAndSwap(false, true) {
		return Redemption{}, ballot.ErrAlreadyUsed
	}
	return Redemption{Credential: e.view(), Hash: hash}, nil
}

// Outstanding counts credentials of a window that were never redeemed.
func (s *Store) Outstanding(windowID string) int {
	s.windowsMu.RLock()
	issued := s.windows[windowID]
	s.windowsMu.RUnlock()

	n := 0
	for _, e := range issued {
		if !e.redeemed.Load() {
			n++
		}
	}
	return n
}

// Issued reports how many credentials a window received.
func (s *Store) Issued(windowID string) int {
	s.windowsMu.RLock()
	defer s.windowsMu.RUnlock()
	return len(s.windows[windowID])
}
