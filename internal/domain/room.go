package domain

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

const (
	MaxRoomIDLen = 64
	roomIDLen    = 6
	roomAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

var (
	ErrInvalidRoomID = errors.New("invalid room id")
	ErrRoomNotFound  = errors.New("room not found")
)

// RoomID is case-insensitive; always build it through NormalizeRoomID.
type RoomID string

func NormalizeRoomID(raw string) (RoomID, error) {
	id := strings.ToUpper(strings.TrimSpace(raw))
	if id == "" || len(id) > MaxRoomIDLen {
		return "", ErrInvalidRoomID
	}
	return RoomID(id), nil
}

// NewRoomID generates a short base-36 room code.
func NewRoomID() RoomID {
	var b strings.Builder
	max := big.NewInt(int64(len(roomAlphabet)))
	for range roomIDLen {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b.WriteByte(roomAlphabet[n.Int64()])
	}
	return RoomID(b.String())
}
