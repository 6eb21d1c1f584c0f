// Package protocol is the closed message catalogue spoken over any duplex channel
// (websocket text frames, a data channel). Every frame is a JSON object whose
// "type" field selects one of the variants below.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
)

type Type string

const (
	TypeWelcome      Type = "welcome"
	TypeJoin         Type = "join"
	TypeRoomInfo     Type = "roomInfo"
	TypeUserJoined   Type = "userJoined"
	TypeLeave        Type = "leave"
	TypeLeft         Type = "left"
	TypeUserLeft     Type = "userLeft"
	TypeSync         Type = "sync"
	TypeRequestSync  Type = "requestSync"
	TypeSyncRequest  Type = "syncRequest"
	TypeTransferHost Type = "transferHost"
	TypeHostChanged  Type = "hostChanged"
	TypeChatMessage  Type = "chatMessage"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
	TypeError        Type = "error"

	TypeRelayOffer        Type = "relayOffer"
	TypeRelayAnswer       Type = "relayAnswer"
	TypeRelayICECandidate Type = "relayICECandidate"
	TypePeerConnected     Type = "peerConnected"
	TypeJoinRequest       Type = "joinRequest"
	TypeReceiveAnswer     Type = "receiveAnswer"
	TypeReceiveICE        Type = "receiveICE"
)

const MaxChatLen = 500

type Message interface {
	Kind() Type
}

// State is PlaybackState on the wire; UpdatedAt is unix milliseconds.
type State struct {
	Position  float64 `json:"position"`
	Playing   bool    `json:"playing"`
	UpdatedAt int64   `json:"updatedAt"`
	Origin    string  `json:"origin,omitempty"`
}

func StateOf(s domain.PlaybackState) State {
	return State{
		Position:  s.Position,
		Playing:   s.Playing,
		UpdatedAt: s.UpdatedAt.UnixMilli(),
		Origin:    string(s.Origin),
	}
}

func (s State) Domain() domain.PlaybackState {
	return domain.PlaybackState{
		Position:  s.Position,
		Playing:   s.Playing,
		UpdatedAt: time.UnixMilli(s.UpdatedAt),
		Origin:    domain.ParticipantID(s.Origin),
	}
}

type Welcome struct {
	UserID string `json:"userId"`
}

type Join struct {
	RoomID string `json:"roomId"`
	IsHost bool   `json:"isHost"`
}

type RoomInfo struct {
	RoomID       string   `json:"roomId"`
	HostID       string   `json:"hostId"`
	IsHost       bool     `json:"isHost"`
	Participants []string `json:"participants"`
	CurrentState State    `json:"currentState"`
}

type UserJoined struct {
	UserID string `json:"userId"`
	IsHost bool   `json:"isHost"`
}

type Leave struct{}

type Left struct{}

type UserLeft struct {
	UserID  string `json:"userId"`
	WasHost bool   `json:"wasHost"`
}

// Sync is both the client's update and the server's broadcast of it.
// Origin, IsHost and UpdatedAt are filled by the server.
type Sync struct {
	Position  float64 `json:"position"`
	Playing   bool    `json:"playing"`
	Force     bool    `json:"force,omitempty"`
	Origin    string  `json:"origin,omitempty"`
	IsHost    bool    `json:"isHost,omitempty"`
	UpdatedAt int64   `json:"updatedAt,omitempty"`
}

type RequestSync struct{}

type SyncRequest struct {
	RequesterID string `json:"requesterId"`
}

type TransferHost struct {
	TargetID string `json:"targetId"`
}

type HostChanged struct {
	PreviousHostID string `json:"previousHostId"`
	NewHostID      string `json:"newHostId"`
}

// ChatMessage travels client->server with Message (and optionally Username),
// and back to the room with every field set.
type ChatMessage struct {
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type Ping struct{}

type Pong struct{}

// Signaling. Payloads are opaque to the relay.

type RelayOffer struct {
	TargetID   string          `json:"targetId"`
	Offer      json.RawMessage `json:"offer"`
	ICERestart bool            `json:"iceRestart,omitempty"`
}

type RelayAnswer struct {
	TargetID string          `json:"targetId"`
	Answer   json.RawMessage `json:"answer"`
}

type RelayICECandidate struct {
	TargetID  string          `json:"targetId"`
	Candidate json.RawMessage `json:"candidate"`
}

type PeerConnected struct {
	TargetID string `json:"targetId"`
}

type JoinRequest struct {
	PeerID     string          `json:"peerId"`
	Offer      json.RawMessage `json:"offer"`
	ICERestart bool            `json:"iceRestart,omitempty"`
}

type ReceiveAnswer struct {
	PeerID string          `json:"peerId"`
	Answer json.RawMessage `json:"answer"`
}

type ReceiveICE struct {
	PeerID    string          `json:"peerId"`
	Candidate json.RawMessage `json:"candidate"`
}

func (Welcome) Kind() Type           { return TypeWelcome }
func (Join) Kind() Type              { return TypeJoin }
func (RoomInfo) Kind() Type          { return TypeRoomInfo }
func (UserJoined) Kind() Type        { return TypeUserJoined }
func (Leave) Kind() Type             { return TypeLeave }
func (Left) Kind() Type              { return TypeLeft }
func (UserLeft) Kind() Type          { return TypeUserLeft }
func (Sync) Kind() Type              { return TypeSync }
func (RequestSync) Kind() Type       { return TypeRequestSync }
func (SyncRequest) Kind() Type       { return TypeSyncRequest }
func (TransferHost) Kind() Type      { return TypeTransferHost }
func (HostChanged) Kind() Type       { return TypeHostChanged }
func (ChatMessage) Kind() Type       { return TypeChatMessage }
func (Ping) Kind() Type              { return TypePing }
func (Pong) Kind() Type              { return TypePong }
func (RelayOffer) Kind() Type        { return TypeRelayOffer }
func (RelayAnswer) Kind() Type       { return TypeRelayAnswer }
func (RelayICECandidate) Kind() Type { return TypeRelayICECandidate }
func (PeerConnected) Kind() Type     { return TypePeerConnected }
func (JoinRequest) Kind() Type       { return TypeJoinRequest }
func (ReceiveAnswer) Kind() Type     { return TypeReceiveAnswer }
func (ReceiveICE) Kind() Type        { return TypeReceiveICE }
