package broadcast

import "time"

// Group names an independent set of viewers.
type Group string

const (
	GroupOrganizer Group = "organizer"
	GroupDisplay   Group = "display"
)

// Groups lists every viewer group.
var Groups = []Group{GroupOrganizer, GroupDisplay}

// ParseGroup maps a path segment to a group.
func ParseGroup(raw string) (Group, bool) {
	switch Group(raw) {
	case GroupOrganizer:
		return GroupOrganizer, true
	case GroupDisplay:
		return GroupDisplay, true
	case "admin":
		return GroupOrganizer, true
	case "projector":
		return GroupDisplay, true
	}
	return "", false
}

type EventType string

const (
	EventVotingStarted EventType = "voting_started"
	EventVoteReceived  EventType = "vote_received"
	EventVotingEnded   EventType = "voting_ended"
	EventConnected     EventType = "connected"
)

// Event is the envelope written to viewers.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

func NewEvent(eventType EventType, sessionID string, data any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}
