package address

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Accepts(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		url  string
		port uint16
	}{
		{"plain ipv4", "192.168.1.20:25565", "https://192.168.1.20:25565", 25565},
		{"https prefix", "https://127.0.0.1:25571", "https://127.0.0.1:25571", 25571},
		{"http prefix", "http://10.0.0.5:4000", "https://10.0.0.5:4000", 4000},
		{"whitespace and slash", "  127.0.0.1:80/ ", "https://127.0.0.1:80", 80},
		{"ipv6", "[::1]:25565", "https://[::1]:25565", 25565},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := Validate(tt.raw)
			require.NoError(t, err)
			assert.True(t, target.Valid)
			assert.Equal(t, tt.url, target.URL)
			assert.Equal(t, tt.port, target.Port)
			assert.Equal(t, tt.raw, target.Raw)
		})
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason Reason
	}{
		{"empty", "", ReasonEmpty},
		{"scheme only", "https://", ReasonEmpty},
		{"no port", "not-an-address", ReasonMissingPort},
		{"port zero", "127.0.0.1:0", ReasonPortZero},
		{"port too large", "127.0.0.1:70000", ReasonBadPort},
		{"port text", "127.0.0.1:http", ReasonBadPort},
		{"hostname", "example.lan:25565", ReasonBadHost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := Validate(tt.raw)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.reason, verr.Reason)
			assert.False(t, target.Valid)
			assert.Empty(t, target.URL)
			assert.Zero(t, target.Port)
		})
	}
}

func TestInvalidateKeepsRaw(t *testing.T) {
	target := Parse("127.0.0.1:25565")
	require.True(t, target.Valid)

	target.Invalidate()
	assert.False(t, target.Valid)
	assert.Empty(t, target.URL)
	assert.Empty(t, target.HostPort())
	assert.Equal(t, "127.0.0.1:25565", target.Raw)

	again, err := target.Revalidate()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:25565", again.HostPort())
}
