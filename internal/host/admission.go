package host

import (
	"github.com/forge-project/forge/internal/transport"
)

// Decision is the outcome of admitting an inbound session.
type Decision int

const (
	DecisionAccept Decision = iota
	// The rejection decisions are reserved for policies layered on top of
	// the baseline. AcceptAll never returns them.
	DecisionBlocked
	DecisionPasswordMismatch
	DecisionServerFull
)

var decisionStrings = map[Decision]string{
	DecisionAccept:           "accept",
	DecisionBlocked:          "blocked",
	DecisionPasswordMismatch: "password_mismatch",
	DecisionServerFull:       "server_full",
}

func (d Decision) String() string {
	if s, ok := decisionStrings[d]; ok {
		return s
	}
	return "unknown"
}

// AdmissionPolicy decides whether an inbound session may attach.
type AdmissionPolicy interface {
	Admit(req transport.SessionRequest) Decision
}

// AcceptAll admits every session.
type AcceptAll struct{}

func (AcceptAll) Admit(transport.SessionRequest) Decision { return DecisionAccept }

// AdmissionFunc adapts a function to AdmissionPolicy.
type AdmissionFunc func(req transport.SessionRequest) Decision

func (f AdmissionFunc) Admit(req transport.SessionRequest) Decision { return f(req) }

type rejecter interface {
	Reject(reason string) error
}

func rejectConn(conn transport.Conn, reason string) error {
	if r, ok := conn.(rejecter); ok {
		return r.Reject(reason)
	}
	return conn.Close(reason)
}
