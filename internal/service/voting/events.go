package voting

import (
	"time"

	"github.com/zhouzirui/z-ballot/backend/internal/model/ballot"
)

// VotingStarted is published to both viewer groups when a window opens.
// CredentialsIssued is only filled for organizers.
type VotingStarted struct {
	SessionID         string         `json:"sessionId"`
	WindowID          string         `json:"windowId"`
	Presenter         string         `json:"presenter"`
	TopicTitle        string         `json:"topicTitle"`
	TopicDescription  string         `json:"topicDescription"`
	WindowEndsAt      time.Time      `json:"windowEndsAt"`
	DurationMinutes   ballot.Minutes `json:"durationMinutes"`
	CredentialsIssued int            `json:"credentialsIssued,omitempty"`
}

// VoteReceived carries the live tally; organizers only.
type VoteReceived struct {
	SessionID    string       `json:"sessionId"`
	WindowID     string       `json:"windowId"`
	CurrentTally ballot.Tally `json:"currentTally"`
	VotesCast    int          `json:"votesCast"`
	RosterSize   int          `json:"rosterSize"`
}

// VotingEnded carries the final results to both groups.
type VotingEnded struct {
	SessionID  string       `json:"sessionId"`
	WindowID   string       `json:"windowId"`
	Results    ballot.Tally `json:"results"`
	TotalVotes int          `json:"totalVotes"`
	Trigger    CloseTrigger `json:"trigger"`
}
