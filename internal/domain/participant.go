// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrNotMember       = errors.New("participant is not a member of the room")
)

// ParticipantID is scoped to one live connection and is not stable across reconnects.
type ParticipantID string

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// Short is the display prefix used when a participant has no name.
func (id ParticipantID) Short() string {
	if len(id) <= 5 {
		return string(id)
	}
	return string(id[:5])
}

func ValidateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if utf8.RuneCountInString(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
