package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/forge-project/forge/internal/address"
	"github.com/forge-project/forge/internal/identity"
)

func (o Options) quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:      o.KeepAlive,
		MaxIdleTimeout:       o.MaxIdle,
		HandshakeIdleTimeout: o.HandshakeTimeout,
	}
}

// QUICListener accepts QUIC sessions authenticated with an ephemeral identity.
type QUICListener struct {
	ln   *quic.Listener
	port int
	alpn string
}

// ListenQUIC binds a QUIC listener on addr ("0.0.0.0:25565").
func ListenQUIC(addr string, id *identity.Identity, opts Options) (*QUICListener, error) {
	if id == nil {
		return nil, fmt.Errorf("listen %s: no identity", addr)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{id.Certificate},
		NextProtos:   []string{opts.ALPN},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := quic.ListenAddr(addr, tlsConf, opts.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	port := 0
	if udp, ok := ln.Addr().(*net.UDPAddr); ok {
		port = udp.Port
	}

	return &QUICListener{ln: ln, port: port, alpn: opts.ALPN}, nil
}

// Accept waits for the next session that completed its handshake.
func (l *QUICListener) Accept(ctx context.Context) (Conn, SessionRequest, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, SessionRequest{}, ErrListenerClosed
		}
		return nil, SessionRequest{}, err
	}

	c := newQUICConn(qc)
	state := qc.ConnectionState().TLS
	req := SessionRequest{
		ConnID:     c.id,
		RemoteAddr: qc.RemoteAddr().String(),
		ServerName: state.ServerName,
		ALPN:       state.NegotiatedProtocol,
		TLSVersion: tls.VersionName(state.Version),
	}
	return c, req, nil
}

// Close stops accepting. Established sessions are not affected.
func (l *QUICListener) Close() error {
	return l.ln.Close()
}

// Port returns the bound UDP port.
func (l *QUICListener) Port() int {
	return l.port
}

// QUICConn adapts a quic.Connection to Conn.
type QUICConn struct {
	conn quic.Connection
	id   string
	done chan struct{}

	mu           sync.Mutex
	closedByUser bool
	localMessage string
	reason       DisconnectReason
}

func newQUICConn(qc quic.Connection) *QUICConn {
	c := &QUICConn{
		conn: qc,
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
	go c.watch()
	return c
}

func (c *QUICConn) watch() {
	ctx := c.conn.Context()
	<-ctx.Done()

	c.mu.Lock()
	c.reason = classify(context.Cause(ctx), c.closedByUser, c.localMessage)
	c.mu.Unlock()
	close(c.done)
}

// ID returns the local identifier of this session.
func (c *QUICConn) ID() string { return c.id }

// RemoteAddr returns the peer UDP address.
func (c *QUICConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Close sends a graceful application close.
func (c *QUICConn) Close(reason string) error {
	return c.closeWithCode(CodeClosedByUser, reason)
}

// Reject closes the session with the rejection code.
func (c *QUICConn) Reject(reason string) error {
	return c.closeWithCode(CodeRejected, reason)
}

// Shutdown closes the session because the host is going away.
func (c *QUICConn) Shutdown(reason string) error {
	return c.closeWithCode(CodeServerClosing, reason)
}

func (c *QUICConn) closeWithCode(code quic.ApplicationErrorCode, reason string) error {
	c.mu.Lock()
	c.closedByUser = true
	c.localMessage = reason
	c.mu.Unlock()
	return c.conn.CloseWithError(code, reason)
}

// Done is closed when the underlying connection has ended.
func (c *QUICConn) Done() <-chan struct{} { return c.done }

// Reason returns why the session ended.
func (c *QUICConn) Reason() DisconnectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func classify(cause error, byUser bool, localMessage string) DisconnectReason {
	if byUser {
		return DisconnectReason{Kind: ReasonByUser, Message: localMessage}
	}

	var appErr *quic.ApplicationError
	if errors.As(cause, &appErr) {
		if appErr.Remote {
			msg := appErr.ErrorMessage
			if msg == "" {
				msg = "closed by peer"
			}
			return DisconnectReason{Kind: ReasonByPeer, Message: msg}
		}
		return DisconnectReason{Kind: ReasonByUser, Message: appErr.ErrorMessage}
	}

	var idleErr *quic.IdleTimeoutError
	var handshakeErr *quic.HandshakeTimeoutError
	if errors.As(cause, &idleErr) || errors.As(cause, &handshakeErr) {
		return DisconnectReason{Kind: ReasonTimeout, Message: cause.Error()}
	}

	if cause == nil || errors.Is(cause, context.Canceled) {
		return DisconnectReason{Kind: ReasonTransportError, Message: "connection lost"}
	}
	return DisconnectReason{Kind: ReasonTransportError, Message: cause.Error()}
}

// QUICDialer opens client sessions to validated targets.
type QUICDialer struct {
	Pin     PinPolicy
	Options Options
}

// Dial connects to target and waits for the handshake.
func (d *QUICDialer) Dial(ctx context.Context, target address.ConnectionTarget) (Conn, error) {
	if !target.Valid {
		return nil, fmt.Errorf("dial: target %q is not valid", target.Raw)
	}

	tlsConf := d.Pin.ClientTLS(target.Host.String(), d.Options.ALPN)
	qc, err := quic.DialAddr(ctx, target.HostPort(), tlsConf, d.Options.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target.URL, err)
	}
	return newQUICConn(qc), nil
}
