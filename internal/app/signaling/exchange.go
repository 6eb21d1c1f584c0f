package signaling

import (
	"encoding/json"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
)

type direction int

const (
	// forward carries the offer and the initiator's candidates.
	forward direction = iota
	// backward carries the answer and the responder's candidates.
	backward
)

type pairKey struct {
	initiator domain.ParticipantID
	responder domain.ParticipantID
}

// Exchange is the bookkeeping for one negotiation between two endpoints.
// Candidates for a direction are held back until that direction's
// session description has been delivered.
type Exchange struct {
	Initiator domain.ParticipantID
	Responder domain.ParticipantID
	Offer     json.RawMessage
	Answer    json.RawMessage
	CreatedAt time.Time

	described [2]bool
	pending   [2][]json.RawMessage
}

func newExchange(initiator, responder domain.ParticipantID, now time.Time) *Exchange {
	return &Exchange{Initiator: initiator, Responder: responder, CreatedAt: now}
}

// route returns sender and receiver for a direction.
func (e *Exchange) route(d direction) (from, to domain.ParticipantID) {
	if d == forward {
		return e.Initiator, e.Responder
	}
	return e.Responder, e.Initiator
}

func (e *Exchange) involves(id domain.ParticipantID) bool {
	return e.Initiator == id || e.Responder == id
}

// Pending reports how many candidates are waiting in each direction.
func (e *Exchange) Pending() (fwd, bwd int) {
	return len(e.pending[forward]), len(e.pending[backward])
}
