package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dkeye/watchparty/internal/domain"
)

type validator interface {
	validate() error
}

// Encode renders msg as a JSON object carrying its "type" tag.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not an object", msg.Kind())
	}
	tag, _ := json.Marshal(string(msg.Kind()))

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

func MustEncode(msg Message) []byte {
	b, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}

func newMessage(t Type) Message {
	switch t {
	case TypeWelcome:
		return &Welcome{}
	case TypeJoin:
		return &Join{}
	case TypeRoomInfo:
		return &RoomInfo{}
	case TypeUserJoined:
		return &UserJoined{}
	case TypeLeave:
		return &Leave{}
	case TypeLeft:
		return &Left{}
	case TypeUserLeft:
		return &UserLeft{}
	case TypeSync:
		return &Sync{}
	case TypeRequestSync:
		return &RequestSync{}
	case TypeSyncRequest:
		return &SyncRequest{}
	case TypeTransferHost:
		return &TransferHost{}
	case TypeHostChanged:
		return &HostChanged{}
	case TypeChatMessage:
		return &ChatMessage{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeError:
		return &Error{}
	case TypeRelayOffer:
		return &RelayOffer{}
	case TypeRelayAnswer:
		return &RelayAnswer{}
	case TypeRelayICECandidate:
		return &RelayICECandidate{}
	case TypePeerConnected:
		return &PeerConnected{}
	case TypeJoinRequest:
		return &JoinRequest{}
	case TypeReceiveAnswer:
		return &ReceiveAnswer{}
	case TypeReceiveICE:
		return &ReceiveICE{}
	}
	return nil
}

// Decode parses and validates one frame. The result is always a pointer
// to one of the message structs; failures are *Error with CodeValidation.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Errorf(CodeValidation, "malformed message")
	}
	if env.Type == "" {
		return nil, Errorf(CodeValidation, "missing message type")
	}
	msg := newMessage(env.Type)
	if msg == nil {
		return nil, Errorf(CodeValidation, "unknown message type %q", env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, Errorf(CodeValidation, "bad %s payload", env.Type)
	}
	if v, ok := msg.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, AsError(err)
		}
	}
	return msg, nil
}

func (m *Join) validate() error {
	id, err := domain.NormalizeRoomID(m.RoomID)
	if err != nil {
		return Errorf(CodeValidation, "roomId must be 1..%d characters", domain.MaxRoomIDLen)
	}
	m.RoomID = string(id)
	return nil
}

func (m *Sync) validate() error {
	if err := domain.ValidatePosition(m.Position); err != nil {
		return Errorf(CodeValidation, "%s", err.Error())
	}
	return nil
}

func (m *TransferHost) validate() error {
	if m.TargetID == "" {
		return Errorf(CodeValidation, "targetId is required")
	}
	return nil
}

func (m *ChatMessage) validate() error {
	m.Message = strings.TrimSpace(m.Message)
	if m.Message == "" || utf8.RuneCountInString(m.Message) > MaxChatLen {
		return Errorf(CodeValidation, "message must be 1..%d characters", MaxChatLen)
	}
	m.Username = truncateRunes(strings.TrimSpace(m.Username), domain.MaxUsernameLen)
	return nil
}

// truncateRunes cuts s to at most n runes without splitting one.
func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func (m *RelayOffer) validate() error {
	return validateRelay(m.TargetID, "offer", m.Offer)
}

func (m *RelayAnswer) validate() error {
	return validateRelay(m.TargetID, "answer", m.Answer)
}

func (m *RelayICECandidate) validate() error {
	return validateRelay(m.TargetID, "candidate", m.Candidate)
}

func (m *PeerConnected) validate() error {
	if m.TargetID == "" {
		return Errorf(CodeValidation, "targetId is required")
	}
	return nil
}

func validateRelay(target, field string, payload json.RawMessage) error {
	if target == "" {
		return Errorf(CodeValidation, "targetId is required")
	}
	if len(payload) == 0 || string(payload) == "null" {
		return Errorf(CodeValidation, "%s is required", field)
	}
	return nil
}
