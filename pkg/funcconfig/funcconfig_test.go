package funcconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndLookup(t *testing.T) {
	raw := []byte(`[
		{"funcName": "hello", "funcId": 7},
		{"funcName": "acme.Echo", "funcId": 8, "grpcService": true, "grpcMethods": ["Ping", "Shout"]}
	]`)

	cfg, err := Parse(raw)
	require.NoError(t, err)

	hello, ok := cfg.FindByName("hello")
	require.True(t, ok)
	assert.Equal(t, uint16(7), hello.FuncID)
	assert.False(t, hello.IsGrpcService)

	echo, ok := cfg.FindByID(8)
	require.True(t, ok)
	assert.True(t, echo.IsGrpcService)

	ping, ok := echo.GrpcMethodID("Ping")
	require.True(t, ok)
	assert.Equal(t, uint16(0), ping)
	shout, ok := echo.GrpcMethodID("Shout")
	require.True(t, ok)
	assert.Equal(t, uint16(1), shout)

	_, ok = echo.GrpcMethodID("Missing")
	assert.False(t, ok)

	_, ok = cfg.FindByName("bye")
	assert.False(t, ok)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty list", `[]`},
		{"missing id", `[{"funcName": "hello"}]`},
		{"duplicate name", `[{"funcName": "a", "funcId": 1}, {"funcName": "a", "funcId": 2}]`},
		{"duplicate id", `[{"funcName": "a", "funcId": 1}, {"funcName": "b", "funcId": 1}]`},
		{"methods without service", `[{"funcName": "a", "funcId": 1, "grpcMethods": ["M"]}]`},
		{"repeated method", `[{"funcName": "a", "funcId": 1, "grpcService": true, "grpcMethods": ["M", "M"]}]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}
