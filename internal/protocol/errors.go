package protocol

import (
	"errors"
	"fmt"

	"github.com/dkeye/watchparty/internal/domain"
)

type Code string

const (
	CodeValidation         Code = "ValidationError"
	CodeNotInRoom          Code = "NotInRoom"
	CodeRoomNotFound       Code = "RoomNotFound"
	CodePermissionDenied   Code = "PermissionDenied"
	CodeTargetNotInRoom    Code = "TargetNotInRoom"
	CodeNoHostAvailable    Code = "NoHostAvailable"
	CodeRateLimited        Code = "RateLimited"
	CodeTransport          Code = "TransportError"
	CodeNegotiationTimeout Code = "NegotiationTimeout"
)

// Error is the rejection reported to the sender of a message. It is also
// a Message, so it can be encoded as is.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

var (
	ErrValidation         = &Error{Code: CodeValidation}
	ErrNotInRoom          = &Error{Code: CodeNotInRoom}
	ErrRoomNotFound       = &Error{Code: CodeRoomNotFound}
	ErrPermissionDenied   = &Error{Code: CodePermissionDenied}
	ErrTargetNotInRoom    = &Error{Code: CodeTargetNotInRoom}
	ErrNoHostAvailable    = &Error{Code: CodeNoHostAvailable}
	ErrRateLimited        = &Error{Code: CodeRateLimited}
	ErrTransport          = &Error{Code: CodeTransport}
	ErrNegotiationTimeout = &Error{Code: CodeNegotiationTimeout}
)

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (*Error) Kind() Type { return TypeError }

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches on code only, so errors.Is(err, ErrPermissionDenied) works for any message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// AsError maps any error to the code reported on the wire.
func AsError(err error) *Error {
	var pe *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, domain.ErrRoomNotFound):
		return Errorf(CodeRoomNotFound, "room not found")
	case errors.Is(err, domain.ErrNotMember):
		return Errorf(CodeNotInRoom, "not in room")
	default:
		return Errorf(CodeValidation, "%s", err.Error())
	}
}
