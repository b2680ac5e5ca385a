// Package transport defines the reliable TLS-secured session channel used
// between hosts and clients, with a QUIC implementation for LAN play and an
// in-process loopback pair for local sessions.
package transport

import (
	"context"
	"errors"
	"time"
)

// Application close codes carried on the wire.
const (
	CodeClosedByUser  = 0x0
	CodeServerClosing = 0x1
	CodeRejected      = 0x2
)

var (
	ErrListenerClosed      = errors.New("listener closed")
	ErrConnClosed          = errors.New("connection closed")
	ErrFingerprintMismatch = errors.New("server certificate does not match the expected fingerprint")
)

// ReasonKind classifies why a session ended.
type ReasonKind int

const (
	ReasonNone ReasonKind = iota
	ReasonByUser
	ReasonByPeer
	ReasonTimeout
	ReasonTransportError
)

var reasonKindStrings = map[ReasonKind]string{
	ReasonNone:           "none",
	ReasonByUser:         "by_user",
	ReasonByPeer:         "by_peer",
	ReasonTimeout:        "timeout",
	ReasonTransportError: "transport_error",
}

func (k ReasonKind) String() string {
	if s, ok := reasonKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// DisconnectReason describes how a session ended.
type DisconnectReason struct {
	Kind    ReasonKind `json:"kind"`
	Message string     `json:"message"`
}

// UserInitiated reports whether the local side asked for the close.
func (r DisconnectReason) UserInitiated() bool {
	return r.Kind == ReasonByUser
}

func (r DisconnectReason) String() string {
	if r.Message == "" {
		return r.Kind.String()
	}
	return r.Kind.String() + ": " + r.Message
}

// Conn is one established session with a remote (or loopback) peer.
type Conn interface {
	ID() string
	RemoteAddr() string
	// Close sends a graceful close and marks the disconnect user-initiated.
	Close(reason string) error
	// Done is closed once the session has fully ended.
	Done() <-chan struct{}
	// Reason is meaningful after Done is closed.
	Reason() DisconnectReason
}

// SessionRequest carries the negotiated parameters of an inbound session,
// logged and handed to admission.
type SessionRequest struct {
	ConnID     string `json:"conn_id"`
	RemoteAddr string `json:"remote_addr"`
	ServerName string `json:"server_name"`
	ALPN       string `json:"alpn"`
	TLSVersion string `json:"tls_version"`
}

// Listener accepts inbound sessions.
type Listener interface {
	Accept(ctx context.Context) (Conn, SessionRequest, error)
	Close() error
	Port() int
}

// Options tunes the transport timers.
type Options struct {
	KeepAlive        time.Duration
	MaxIdle          time.Duration
	HandshakeTimeout time.Duration
	ALPN             string
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		KeepAlive:        time.Second,
		MaxIdle:          5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ALPN:             "forge/1",
	}
}
