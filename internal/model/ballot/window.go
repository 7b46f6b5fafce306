package ballot

import "time"

// WindowStatus is the state of a voting window. Completed is terminal.
type WindowStatus string

const (
	WindowActive    WindowStatus = "active"
	WindowCompleted WindowStatus = "completed"
)

// Window is one timed open-vote period on a single topic.
type Window struct {
	ID               string       `json:"id"`
	SessionID        string       `json:"sessionId"`
	Presenter        string       `json:"presenter"`
	TopicTitle       string       `json:"topicTitle"`
	TopicDescription string       `json:"topicDescription"`
	StartedAt        time.Time    `json:"startedAt"`
	EndsAt           time.Time    `json:"endsAt"`
	Duration         Minutes      `json:"durationMinutes"`
	Status           WindowStatus `json:"status"`
	ClosedAt         *time.Time   `json:"closedAt,omitempty"`
	Results          *Tally       `json:"results,omitempty"`
}

// Minutes is a whole-minute duration as exchanged with clients.
type Minutes int

// Duration converts to time.Duration.
func (m Minutes) Duration() time.Duration {
	return time.Duration(m) * time.Minute
}

// Topic is the organizer's request to open a window.
type Topic struct {
	Presenter       string  `json:"presenter"`
	Title           string  `json:"topicTitle"`
	Description     string  `json:"topicDescription"`
	DurationMinutes Minutes `json:"durationMinutes"`
}

// Credential is the store's view of an issued credential. The plaintext
// token is not part of it.
type Credential struct {
	SessionID  string    `json:"sessionId"`
	WindowID   string    `json:"windowId"`
	MemberName string    `json:"memberName"`
	Redeemed   bool      `json:"redeemed"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IssuedToken is handed to the page-rendering collaborator once.
type IssuedToken struct {
	Member     string `json:"member"`
	Contact    string `json:"contact"`
	Credential string `json:"credential"`
	VotingURL  string `json:"votingUrl"`
}
