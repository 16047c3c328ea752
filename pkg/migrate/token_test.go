package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := NewToken()
		require.NoError(t, err)
		assert.True(t, ValidToken(token), "token %q does not match the pattern", token)
		assert.False(t, seen[token], "token collision")
		seen[token] = true
	}
}

func TestValidToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{name: "well formed", token: "pdsm-abcdefgh23456722", want: true},
		{name: "missing prefix", token: "abcdefgh2345672234", want: false},
		{name: "too short", token: "pdsm-abcdefgh", want: false},
		{name: "too long", token: "pdsm-abcdefgh234567223", want: false},
		{name: "uppercase", token: "pdsm-ABCDEFGH23456722", want: false},
		{name: "invalid base32 digit", token: "pdsm-abcdefgh23456701", want: false},
		{name: "empty", token: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidToken(tt.token))
		})
	}
}
