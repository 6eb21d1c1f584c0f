package domain

import (
	"errors"
	"math"
	"time"
)

var ErrInvalidPosition = errors.New("position must be a finite non-negative number")

// PlaybackState is an immutable snapshot of the authoritative playback.
type PlaybackState struct {
	Position  float64
	Playing   bool
	UpdatedAt time.Time
	Origin    ParticipantID
}

func ValidatePosition(pos float64) error {
	if math.IsNaN(pos) || math.IsInf(pos, 0) || pos < 0 {
		return ErrInvalidPosition
	}
	return nil
}

// Supersedes reports whether s may replace cur: updates never move time backwards.
func (s PlaybackState) Supersedes(cur PlaybackState) bool {
	return !s.UpdatedAt.Before(cur.UpdatedAt)
}
