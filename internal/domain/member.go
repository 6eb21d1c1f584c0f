package domain

import "time"

// Member represents participant's per-connection meta.
// No transport or lifecycle logic here.
type Member struct {
	ID       ParticipantID
	Username string
	JoinedAt time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id ParticipantID, now time.Time) *Member {
	return &Member{ID: id, JoinedAt: now}
}

// DisplayName falls back to a short id when no username was chosen.
func (m *Member) DisplayName() string {
	if m.Username != "" {
		return m.Username
	}
	return "User " + m.ID.Short()
}

func (m *Member) SetUsername(username string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	m.Username = username
	return nil
}
