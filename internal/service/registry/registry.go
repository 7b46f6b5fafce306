package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-ballot/backend/internal/model/ballot"
	"github.com/zhouzirui/z-ballot/backend/internal/service/tally"
)

type sessionEntry struct {
	mu      sync.RWMutex
	session ballot.Session
	roster  []ballot.Member
	ledger  []ballot.Vote
}

// Registry owns sessions, their rosters and their vote ledgers. The map lock
// only guards membership; each session carries its own lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// New bootstraps an empty in-memory registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*sessionEntry),
	}
}

// CreateSession registers a meeting with a non-empty roster.
func (r *Registry) CreateSession(_ context.Context, title, description string, roster []ballot.Member) (ballot.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return ballot.Session{}, fmt.Errorf("%w: title is required", ballot.ErrInvalidSession)
	}
	if len(roster) == 0 {
		return ballot.Session{}, fmt.Errorf("%w: at least one member is required", ballot.ErrInvalidRoster)
	}

	members := make([]ballot.Member, 0, len(roster))
	for i, m := range roster {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return ballot.Session{}, fmt.Errorf("%w: member %d has no name", ballot.ErrInvalidRoster, i)
		}
		members = append(members, ballot.Member{Name: name, Contact: strings.TrimSpace(m.Contact)})
	}

	session := ballot.Session{
		ID:          uuid.NewString(),
		Title:       title,
		Description: strings.TrimSpace(description),
		Status:      ballot.SessionCreated,
		CreatedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[session.ID] = &sessionEntry{
		session: session,
		roster:  members,
		ledger:  make([]ballot.Vote, 0, len(members)),
	}
	r.mu.Unlock()

	return session, nil
}

func (r *Registry) entry(sessionID string) (*sessionEntry, error) {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ballot.ErrNotFound)
	}
	return e, nil
}

// GetSession retrieves a session by identifier.
func (r *Registry) GetSession(_ context.Context, sessionID string) (ballot.Session, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return ballot.Session{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session, nil
}

// GetRoster returns a copy of the session roster.
func (r *Registry) GetRoster(_ context.Context, sessionID string) ([]ballot.Member, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]ballot.Member(nil), e.roster...), nil
}

// SetStatus moves the session lifecycle; only the window controller calls it.
func (r *Registry) SetStatus(_ context.Context, sessionID string, status ballot.SessionStatus) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.session.Status = status
	e.mu.Unlock()
	return nil
}

// RecordVote appends to the ledger. It must only be called after the
// credential was redeemed.
func (r *Registry) RecordVote(_ context.Context, vote ballot.Vote) error {
	if !vote.Choice.Valid() {
		return ballot.ErrInvalidChoice
	}
	e, err := r.entry(vote.SessionID)
	if err != nil {
		return err
	}
	if vote.CastAt.IsZero() {
		vote.CastAt = time.Now().UTC()
	}
	e.mu.Lock()
	e.ledger = append(e.ledger, vote)
	e.mu.Unlock()
	return nil
}

// Votes returns the ledger entries cast in one window.
func (r *Registry) Votes(_ context.Context, sessionID, windowID string) ([]ballot.Vote, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ballot.Vote, 0, len(e.ledger))
	for _, v := range e.ledger {
		if v.WindowID == windowID {
			out = append(out, v)
		}
	}
	return out, nil
}

// CurrentTally folds the window's ledger without inferred abstentions.
func (r *Registry) CurrentTally(ctx context.Context, sessionID, windowID string) (ballot.Tally, error) {
	votes, err := r.Votes(ctx, sessionID, windowID)
	if err != nil {
		return ballot.Tally{}, err
	}
	return tally.Count(votes), nil
}

// List returns every session, newest first.
func (r *Registry) List(_ context.Context) []ballot.SessionSummary {
	r.mu.RLock()
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]ballot.SessionSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, ballot.SessionSummary{Session: e.session, RosterSize: len(e.roster)})
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
