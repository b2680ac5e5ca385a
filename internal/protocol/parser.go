package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Response parse errors.
var (
	ErrNotResponse = errors.New("datagram is not a discovery response")
	ErrBadPort     = errors.New("discovery response carries an invalid port")
)

// IsProbe reports whether a datagram is exactly the discovery probe.
func IsProbe(data []byte) bool {
	return string(data) == ProbeMagic
}

// ParseResponse extracts the advertised game port from a discovery reply.
func ParseResponse(data []byte) (uint16, error) {
	data = bytes.TrimSpace(data)
	prefix := ResponseMagic + string(Separator)
	if !bytes.HasPrefix(data, []byte(prefix)) {
		return 0, ErrNotResponse
	}

	portText := string(data[len(prefix):])
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadPort, portText)
	}
	if port == 0 {
		return 0, fmt.Errorf("%w: 0", ErrBadPort)
	}
	return uint16(port), nil
}
