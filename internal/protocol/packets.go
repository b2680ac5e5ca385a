// Package protocol implements the LAN discovery wire format shared by
// the probing client and the hosting responder. Both messages are plain
// ASCII datagrams.
package protocol

// Well-known ports.
const (
	DiscoveryPort   = 30000 // UDP port hosts listen on for probes
	DefaultGamePort = 25565 // fallback when the configured LAN port does not parse
)

// Discovery message markers.
const (
	ProbeMagic    = "FORGE_DISCOVER_V1" // entire probe payload
	ResponseMagic = "FORGE_RESP_V1"     // response prefix, followed by ";<port>"
	Separator     = ';'
)

// MaxDatagramSize bounds the read buffer for discovery traffic.
const MaxDatagramSize = 1024

// URLScheme is applied to every discovered host.
const URLScheme = "https"
