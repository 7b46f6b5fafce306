package voting

import (
	"context"
	"fmt"
	"time"

	"github.com/zhouzirui/z-ballot/backend/internal/model/ballot"
)

// Status is the read model served to organizers and displays.
type Status struct {
	Session      ballot.Session `json:"session"`
	Window       *ballot.Window `json:"window,omitempty"`
	CurrentTally ballot.Tally   `json:"currentTally"`
	VotesCast    int            `json:"votesCast"`
	RosterSize   int            `json:"rosterSize"`
}

// Status reports the session with its current or most recent window. The
// tally counts cast votes only; unredeemed credentials become abstentions at
// close.
func (c *Controller) Status(ctx context.Context, sessionID string) (Status, error) {
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	roster, err := c.sessions.GetRoster(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	status := Status{Session: session, RosterSize: len(roster)}

	s := c.existingSlot(sessionID)
	if s == nil {
		return status, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return status, nil
	}
	w := *s.current
	status.Window = &w
	// status is re-read under the slot lock so it agrees with the window
	if session, err = c.sessions.GetSession(ctx, sessionID); err == nil {
		status.Session = session
	}
	live, err := c.sessions.CurrentTally(ctx, sessionID, w.ID)
	if err != nil {
		return Status{}, err
	}
	status.CurrentTally = live
	status.VotesCast = live.Total()
	if w.Results != nil {
		status.CurrentTally = *w.Results
	}
	return status, nil
}

// BallotState tells a participant what their credential can do.
type BallotState string

const (
	BallotOpen     BallotState = "open"
	BallotUsed     BallotState = "used"
	BallotInactive BallotState = "inactive"
	BallotExpired  BallotState = "expired"
)

// Ballot is the participant's view of a credential before voting.
type Ballot struct {
	State            BallotState     `json:"state"`
	SessionTitle     string          `json:"sessionTitle"`
	MemberName       string          `json:"memberName"`
	Presenter        string          `json:"presenter"`
	TopicTitle       string          `json:"topicTitle"`
	TopicDescription string          `json:"topicDescription"`
	WindowEndsAt     string          `json:"windowEndsAt,omitempty"`
	Choices          []ballot.Choice `json:"choices,omitempty"`
}

// Ballot resolves a credential for the vote page without consuming it.
// Unknown credentials return ErrNotFound.
func (c *Controller) Ballot(ctx context.Context, token string) (Ballot, error) {
	cred, err := c.creds.Lookup(token)
	if err != nil {
		return Ballot{}, err
	}
	session, err := c.sessions.GetSession(ctx, cred.SessionID)
	if err != nil {
		return Ballot{}, fmt.Errorf("credential session: %w", err)
	}

	view := Ballot{SessionTitle: session.Title, MemberName: cred.MemberName}

	var window *ballot.Window
	if s := c.existingSlot(cred.SessionID); s != nil {
		s.mu.Lock()
		if s.current != nil && s.current.ID == cred.WindowID {
			w := *s.current
			window = &w
		}
		s.mu.Unlock()
	}
	if window != nil {
		view.Presenter = window.Presenter
		view.TopicTitle = window.TopicTitle
		view.TopicDescription = window.TopicDescription
	}

	switch {
	case cred.Redeemed:
		view.State = BallotUsed
	case window == nil || window.Status != ballot.WindowActive:
		view.State = BallotInactive
	case c.now().After(cred.ExpiresAt):
		view.State = BallotExpired
	default:
		view.State = BallotOpen
		view.WindowEndsAt = window.EndsAt.Format(time.RFC3339)
		view.Choices = ballot.Choices
	}
	return view, nil
}
