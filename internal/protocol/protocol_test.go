package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseRoundTrip(t *testing.T) {
	data := BuildResponse(25571)
	assert.Equal(t, "FORGE_RESP_V1;25571", string(data))

	port, err := ParseResponse(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(25571), port)
}

func TestParseResponse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"probe", ProbeMagic, ErrNotResponse},
		{"wrong magic", "OTHER_RESP;25565", ErrNotResponse},
		{"no separator", "FORGE_RESP_V1", ErrNotResponse},
		{"empty port", "FORGE_RESP_V1;", ErrBadPort},
		{"text port", "FORGE_RESP_V1;abc", ErrBadPort},
		{"zero port", "FORGE_RESP_V1;0", ErrBadPort},
		{"overflow", "FORGE_RESP_V1;65536", ErrBadPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIsProbe(t *testing.T) {
	assert.True(t, IsProbe(BuildProbe()))
	assert.False(t, IsProbe([]byte("FORGE_DISCOVER_V2")))
	assert.False(t, IsProbe(nil))
}

func TestServerURL(t *testing.T) {
	assert.Equal(t, "https://192.168.0.7:25565", ServerURL(net.ParseIP("192.168.0.7"), 25565))
	assert.Equal(t, "https://[fe80::1]:4000", ServerURL(net.ParseIP("fe80::1"), 4000))
}
