package ballot

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyUsed   = errors.New("credential already used")
	ErrExpired       = errors.New("credential expired")
	ErrInvalidState  = errors.New("invalid voting state")
	ErrInvalidChoice = errors.New("invalid choice")
	// ErrInvalidRoster covers a roster with no usable members.
	ErrInvalidRoster = errors.New("invalid roster")
	// ErrInvalidSession covers session fields other than the roster.
	ErrInvalidSession  = errors.New("invalid session")
	ErrInvalidDuration = errors.New("voting duration out of range")
)
