package ballot

import "time"

// SessionStatus tracks where a meeting is in its voting lifecycle.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionVoting    SessionStatus = "voting"
	SessionCompleted SessionStatus = "completed"
)

// Session captures one meeting's voting context.
type Session struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Member is an eligible participant on a session roster.
type Member struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// SessionSummary is the list view of a session.
type SessionSummary struct {
	Session
	RosterSize int `json:"rosterSize"`
}
