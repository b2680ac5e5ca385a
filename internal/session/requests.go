package session

import (
	"fmt"
)

// RequestKind is the closed set of lifecycle requests.
type RequestKind int

const (
	KindStartLocal RequestKind = iota
	KindStopLocal
	KindGoPublic
	KindGoPrivate
	KindConnect
	KindDisconnect
	KindRetry
	KindResetToMenu
	KindNavigate
	KindSetFocus
)

var requestKindStrings = map[RequestKind]string{
	KindStartLocal:  "start_local",
	KindStopLocal:   "stop_local",
	KindGoPublic:    "go_public",
	KindGoPrivate:   "go_private",
	KindConnect:     "connect",
	KindDisconnect:  "disconnect",
	KindRetry:       "retry",
	KindResetToMenu: "reset_to_menu",
	KindNavigate:    "navigate",
	KindSetFocus:    "set_focus",
}

func (k RequestKind) String() string {
	if s, ok := requestKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

func (k RequestKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Request is a lifecycle request from the UI collaborator. Only the fields
// relevant to Kind are read.
type Request struct {
	Kind RequestKind

	// Connect
	Target      string
	Fingerprint string

	// Navigate
	Menu MenuContext

	// SetFocus
	Focus Focus
}

func StartLocal() Request  { return Request{Kind: KindStartLocal} }
func StopLocal() Request   { return Request{Kind: KindStopLocal} }
func GoPublic() Request    { return Request{Kind: KindGoPublic} }
func GoPrivate() Request   { return Request{Kind: KindGoPrivate} }
func Disconnect() Request  { return Request{Kind: KindDisconnect} }
func Retry() Request       { return Request{Kind: KindRetry} }
func ResetToMenu() Request { return Request{Kind: KindResetToMenu} }

// Connect asks to join target ("host:port"). An empty fingerprint falls
// back to the configured validation mode.
func Connect(target, fingerprint string) Request {
	return Request{Kind: KindConnect, Target: target, Fingerprint: fingerprint}
}

// Navigate moves between menu screens.
func Navigate(m MenuContext) Request {
	return Request{Kind: KindNavigate, Menu: m}
}

// SetFocus toggles the pause menu in game.
func SetFocus(f Focus) Request {
	return Request{Kind: KindSetFocus, Focus: f}
}

// RejectReason says why a request was refused.
type RejectReason int

const (
	ReasonWrongPhase RejectReason = iota
	ReasonWrongSessionType
	ReasonAlreadyInProgress
	ReasonWrongMenu
	ReasonFailed
)

var rejectReasonStrings = map[RejectReason]string{
	ReasonWrongPhase:        "wrong_phase",
	ReasonWrongSessionType:  "wrong_session_type",
	ReasonAlreadyInProgress: "already_in_progress",
	ReasonWrongMenu:         "wrong_menu",
	ReasonFailed:            "failed",
}

func (r RejectReason) String() string {
	if s, ok := rejectReasonStrings[r]; ok {
		return s
	}
	return "rejected"
}

func (r RejectReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// RejectedError is returned for a request that is not valid in the current
// state. The state is left untouched.
type RejectedError struct {
	Kind   RequestKind
	Reason RejectReason
	State  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected in %s: %s", e.Kind, e.State, e.Reason)
}
