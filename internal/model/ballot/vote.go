package ballot

import (
	"fmt"
	"strings"
	"time"
)

// Choice is one of the three ballot options.
type Choice string

const (
	ChoiceFor     Choice = "for"
	ChoiceAgainst Choice = "against"
	ChoiceAbstain Choice = "abstain"
)

// Choices lists the valid options in display order.
var Choices = []Choice{ChoiceFor, ChoiceAgainst, ChoiceAbstain}

// localized labels accepted from older clients.
var choiceAliases = map[string]Choice{
	"for":         ChoiceFor,
	"against":     ChoiceAgainst,
	"abstain":     ChoiceAbstain,
	"за":          ChoiceFor,
	"против":      ChoiceAgainst,
	"воздержался": ChoiceAbstain,
}

// ParseChoice normalizes a raw choice value.
func ParseChoice(raw string) (Choice, error) {
	if c, ok := choiceAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown choice %q", raw)
}

// Valid reports whether c is one of the three options.
func (c Choice) Valid() bool {
	switch c {
	case ChoiceFor, ChoiceAgainst, ChoiceAbstain:
		return true
	default:
		return false
	}
}

// Vote is an anonymous ledger entry. CredentialHash is a keyed one-way hash,
// never the credential itself.
type Vote struct {
	SessionID      string    `json:"sessionId"`
	WindowID       string    `json:"windowId"`
	Choice         Choice    `json:"choice"`
	CredentialHash string    `json:"-"`
	CastAt         time.Time `json:"castAt"`
}

// Tally holds aggregated counts.
type Tally struct {
	For     int `json:"for"`
	Against int `json:"against"`
	Abstain int `json:"abstain"`
}

// Total sums all three counters.
func (t Tally) Total() int {
	return t.For + t.Against + t.Abstain
}
