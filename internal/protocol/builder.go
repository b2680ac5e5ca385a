package protocol

import (
	"net"
	"strconv"
)

// BuildProbe returns the probe payload broadcast by clients.
func BuildProbe() []byte {
	return []byte(ProbeMagic)
}

// BuildResponse returns the reply a host sends back to a probe.
// Format: FORGE_RESP_V1;<port>
func BuildResponse(port uint16) []byte {
	buf := make([]byte, 0, len(ResponseMagic)+6)
	buf = append(buf, ResponseMagic...)
	buf = append(buf, Separator)
	buf = strconv.AppendUint(buf, uint64(port), 10)
	return buf
}

// ServerURL combines a responder's observed source address with the port
// it advertised.
func ServerURL(ip net.IP, port uint16) string {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return URLScheme + "://" + net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}
