package orch

import (
	"errors"

	"github.com/dkeye/watchparty/internal/app/signaling"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
)

// Signaling does not require room membership: peer-to-peer endpoints only
// use this server as a courier.

func (o *Orchestrator) RelayOffer(pid domain.ParticipantID, m protocol.RelayOffer) error {
	err := o.Signaling.RelayOffer(pid, domain.ParticipantID(m.TargetID), m.Offer, m.ICERestart)
	return o.relayed(protocol.TypeRelayOffer, m.TargetID, err)
}

func (o *Orchestrator) RelayAnswer(pid domain.ParticipantID, m protocol.RelayAnswer) error {
	err := o.Signaling.RelayAnswer(pid, domain.ParticipantID(m.TargetID), m.Answer)
	return o.relayed(protocol.TypeRelayAnswer, m.TargetID, err)
}

func (o *Orchestrator) RelayICECandidate(pid domain.ParticipantID, m protocol.RelayICECandidate) error {
	err := o.Signaling.RelayICECandidate(pid, domain.ParticipantID(m.TargetID), m.Candidate)
	return o.relayed(protocol.TypeRelayICECandidate, m.TargetID, err)
}

func (o *Orchestrator) relayed(kind protocol.Type, target string, err error) error {
	switch {
	case err == nil:
		metricSignaling.WithLabelValues(string(kind)).Inc()
		return nil
	case errors.Is(err, signaling.ErrUnknownEndpoint):
		return protocol.Errorf(protocol.CodeValidation, "unknown endpoint %q", target)
	default:
		return protocol.Errorf(protocol.CodeTransport, "%s: %s", kind, err.Error())
	}
}
