package domain

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRoomID(t *testing.T) {
	id, err := NormalizeRoomID("  abcd ")
	require.NoError(t, err)
	assert.Equal(t, RoomID("ABCD"), id)

	_, err = NormalizeRoomID("   ")
	assert.ErrorIs(t, err, ErrInvalidRoomID)
}

func TestNewRoomIDIsNormalized(t *testing.T) {
	id := NewRoomID()
	assert.Len(t, string(id), 6)
	norm, err := NormalizeRoomID(string(id))
	require.NoError(t, err)
	assert.Equal(t, id, norm)
}

func TestValidatePosition(t *testing.T) {
	assert.NoError(t, ValidatePosition(0))
	assert.NoError(t, ValidatePosition(120.5))
	assert.ErrorIs(t, ValidatePosition(-1), ErrInvalidPosition)
	assert.ErrorIs(t, ValidatePosition(math.NaN()), ErrInvalidPosition)
	assert.ErrorIs(t, ValidatePosition(math.Inf(1)), ErrInvalidPosition)
}

func TestSupersedes(t *testing.T) {
	base := time.Unix(100, 0)
	cur := PlaybackState{UpdatedAt: base}
	assert.True(t, PlaybackState{UpdatedAt: base}.Supersedes(cur))
	assert.True(t, PlaybackState{UpdatedAt: base.Add(time.Millisecond)}.Supersedes(cur))
	assert.False(t, PlaybackState{UpdatedAt: base.Add(-time.Millisecond)}.Supersedes(cur))
}

func TestMemberDisplayName(t *testing.T) {
	m := NewMember("abcdef-123", time.Unix(0, 0))
	assert.Equal(t, "User abcde", m.DisplayName())
	require.NoError(t, m.SetUsername("ana"))
	assert.Equal(t, "ana", m.DisplayName())
	assert.ErrorIs(t, m.SetUsername(""), ErrUsernameEmpty)
	require.NoError(t, m.SetUsername(strings.Repeat("ж", MaxUsernameLen)))
	assert.ErrorIs(t, m.SetUsername(strings.Repeat("ж", MaxUsernameLen+1)), ErrUsernameTooLong)
}
