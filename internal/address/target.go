// Package address validates user-supplied "host:port" text into a
// connection target. Parsing is pure: hostnames are never resolved.
package address

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Scheme is re-applied to every validated target regardless of what the
// user typed.
const Scheme = "https"

// Reason identifies why raw input failed validation.
type Reason int

const (
	ReasonEmpty Reason = iota
	ReasonMissingPort
	ReasonBadPort
	ReasonPortZero
	ReasonBadHost
	ReasonStale
)

var reasonStrings = map[Reason]string{
	ReasonEmpty:       "address is empty",
	ReasonMissingPort: "address must be in host:port form",
	ReasonBadPort:     "port is not a number between 1 and 65535",
	ReasonPortZero:    "port 0 is not allowed",
	ReasonBadHost:     "host is not a valid IP address",
	ReasonStale:       "address was invalidated by a failed connection and must be re-validated",
}

func (r Reason) String() string {
	if s, ok := reasonStrings[r]; ok {
		return s
	}
	return "invalid address"
}

// ValidationError reports a malformed connection target. It is surfaced
// immediately and never attempted over the network.
type ValidationError struct {
	Input  string
	Reason Reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid server address %q: %s", e.Input, e.Reason)
}

// ConnectionTarget is a validated remote address.
type ConnectionTarget struct {
	Raw   string     `json:"raw"`
	Host  netip.Addr `json:"-"`
	Port  uint16     `json:"port,omitempty"`
	URL   string     `json:"url,omitempty"`
	Valid bool       `json:"valid"`
}

// Parse builds a ConnectionTarget from raw input. Invalid input yields a
// target with Valid=false and no derived fields.
func Parse(raw string) ConnectionTarget {
	t, _ := Validate(raw)
	return t
}

// Validate is Parse with the failure reason attached.
func Validate(raw string) (ConnectionTarget, error) {
	t := ConnectionTarget{Raw: raw}

	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimSuffix(s, "/")
	if s == "" {
		return t, &ValidationError{Input: raw, Reason: ReasonEmpty}
	}

	hostPart, portPart, err := net.SplitHostPort(s)
	if err != nil {
		return t, &ValidationError{Input: raw, Reason: ReasonMissingPort}
	}

	port, err := strconv.ParseUint(portPart, 10, 16)
	if err != nil {
		return t, &ValidationError{Input: raw, Reason: ReasonBadPort}
	}
	if port == 0 {
		return t, &ValidationError{Input: raw, Reason: ReasonPortZero}
	}

	host, err := netip.ParseAddr(hostPart)
	if err != nil || host.Zone() != "" {
		return t, &ValidationError{Input: raw, Reason: ReasonBadHost}
	}

	t.Host = host.Unmap()
	t.Port = uint16(port)
	t.URL = Scheme + "://" + netip.AddrPortFrom(t.Host, t.Port).String()
	t.Valid = true
	return t, nil
}

// HostPort returns the dialable "host:port" form, or "" when invalid.
func (t ConnectionTarget) HostPort() string {
	if !t.Valid {
		return ""
	}
	return netip.AddrPortFrom(t.Host, t.Port).String()
}

// Invalidate marks the target unusable while keeping the raw input, so a
// later retry has to re-validate it.
func (t *ConnectionTarget) Invalidate() {
	t.Host = netip.Addr{}
	t.Port = 0
	t.URL = ""
	t.Valid = false
}

// Revalidate re-parses the raw input.
func (t ConnectionTarget) Revalidate() (ConnectionTarget, error) {
	return Validate(t.Raw)
}
