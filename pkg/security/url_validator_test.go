package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkAccessValidator_ValidateURL(t *testing.T) {
	tests := []struct {
		name          string
		url           string
		validator     *NetworkAccessValidator
		expectedError bool
		errorContains string
	}{
		{
			name:          "default-allowed API host passes",
			url:           "https://api.openai.com/v1/chat",
			validator:     NewNetworkAccessValidator(nil),
			expectedError: false,
		},
		{
			name:          "file scheme blocked",
			url:           "file:///etc/passwd",
			validator:     NewNetworkAccessValidator(nil),
			expectedError: true,
			errorContains: "invalid URL scheme",
		},
		{
			name:          "ftp scheme blocked",
			url:           "ftp://api.openai.com/file",
			validator:     NewNetworkAccessValidator(nil),
			expectedError: true,
			errorContains: "invalid URL scheme",
		},
		{
			name:          "localhost passes the host allowlist but is blocked as loopback",
			url:           "http://localhost/api",
			validator:     NewNetworkAccessValidator(nil),
			expectedError: true,
			errorContains: "localhost/loopback",
		},
		{
			name:          "127.0.0.1 blocked by IP-class check despite host allowlist",
			url:           "http://127.0.0.1/api",
			validator:     &NetworkAccessValidator{AllowedHosts: []string{"127.0.0.1"}},
			expectedError: true,
			errorContains: "localhost/loopback",
		},
		{
			name:          "10.x.x.x blocked",
			url:           "http://10.0.0.1/api",
			validator:     &NetworkAccessValidator{AllowedHosts: []string{"10.0.0.1"}},
			expectedError: true,
			errorContains: "private network",
		},
		{
			name: "private networks allowed when configured",
			url:  "http://192.168.1.1/api",
			validator: &NetworkAccessValidator{
				AllowedHosts:         []string{"192.168.1.1"},
				AllowPrivateNetworks: true,
			},
			expectedError: false,
		},
		{
			name:          "link-local metadata endpoint blocked",
			url:           "http://169.254.169.254/latest/meta-data/",
			validator:     &NetworkAccessValidator{AllowedHosts: []string{"169.254.169.254"}},
			expectedError: true,
			errorContains: "link-local",
		},
		{
			name: "per-execution allowed host passes",
			url:  "https://my-tenant-api.example.com/data",
			validator: &NetworkAccessValidator{
				AllowedHosts: []string{"example.com"},
			},
			expectedError: false,
		},
		{
			name: "host not in any allowlist rejected",
			url:  "https://evil.example.net/api",
			validator: &NetworkAccessValidator{
				AllowedHosts: []string{"example.com"},
			},
			expectedError: true,
			errorContains: "not in the allowed list",
		},
		{
			name: "disallowed port rejected even for an allowed host",
			url:  "https://example.com:9999/api",
			validator: &NetworkAccessValidator{
				AllowedHosts: []string{"example.com"},
			},
			expectedError: true,
			errorContains: "not in the allowed range",
		},
		{
			name: "8000-8999 range allowed for local API mocks",
			url:  "http://example.com:8080/api",
			validator: &NetworkAccessValidator{
				AllowedHosts: []string{"example.com"},
			},
			expectedError: false,
		},
		{
			name:          "malformed URL rejected",
			url:           "not-a-url",
			validator:     NewNetworkAccessValidator(nil),
			expectedError: true,
			errorContains: "invalid URL scheme",
		},
		{
			name:          "URL without hostname rejected",
			url:           "http:///path",
			validator:     NewNetworkAccessValidator(nil),
			expectedError: true,
			errorContains: "valid hostname",
		},
		{
			name:          "unspecified address blocked",
			url:           "http://0.0.0.0/api",
			validator:     &NetworkAccessValidator{AllowedHosts: []string{"0.0.0.0"}},
			expectedError: true,
			errorContains: "unspecified",
		},
		{
			name:          "multicast address blocked",
			url:           "http://224.0.0.1/api",
			validator:     &NetworkAccessValidator{AllowedHosts: []string{"224.0.0.1"}},
			expectedError: true,
			errorContains: "multicast",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.validator.ValidateURL(tt.url)

			if tt.expectedError {
				assert.Error(t, err)
				if tt.errorContains != "" {
					assert.Contains(t, err.Error(), tt.errorContains)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsPortAllowed(t *testing.T) {
	assert.True(t, IsPortAllowed(80))
	assert.True(t, IsPortAllowed(443))
	assert.True(t, IsPortAllowed(8080))
	assert.True(t, IsPortAllowed(8999))
	assert.False(t, IsPortAllowed(9000))
	assert.False(t, IsPortAllowed(22))
}

func TestIsHostAllowed(t *testing.T) {
	v := NewNetworkAccessValidator([]string{"my-api.internal.example.com"})

	assert.True(t, v.IsHostAllowed("localhost"))
	assert.True(t, v.IsHostAllowed("api.openai.com"))
	assert.True(t, v.IsHostAllowed("my-api.internal.example.com"))
	assert.False(t, v.IsHostAllowed("attacker.example"))
}
