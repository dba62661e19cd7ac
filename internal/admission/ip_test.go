package admission

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIPExtractorRejectsBadCIDR(t *testing.T) {
	_, err := NewIPExtractor([]string{"10.0.0.0/8", "not-a-cidr"}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-cidr")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		depth   int
		remote  string
		xff     string
		xri     string
		want    string
	}{
		{
			name:   "no proxies uses remote addr",
			remote: "203.0.113.7:52011",
			xff:    "198.51.100.1",
			want:   "203.0.113.7",
		},
		{
			name:    "untrusted peer ignores headers",
			trusted: []string{"10.0.0.0/8"},
			remote:  "203.0.113.7:52011",
			xff:     "198.51.100.1",
			want:    "203.0.113.7",
		},
		{
			name:    "trusted peer honors xff leftmost",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.1.2.3:443",
			xff:     "198.51.100.1, 10.1.2.3",
			want:    "198.51.100.1",
		},
		{
			name:    "depth selects from the right",
			trusted: []string{"10.0.0.0/8"},
			depth:   2,
			remote:  "10.1.2.3:443",
			xff:     "spoofed, 198.51.100.1, 10.9.9.9",
			want:    "198.51.100.1",
		},
		{
			name:    "depth beyond chain clamps to leftmost",
			trusted: []string{"10.0.0.0/8"},
			depth:   5,
			remote:  "10.1.2.3:443",
			xff:     "198.51.100.1",
			want:    "198.51.100.1",
		},
		{
			name:    "invalid xff falls back to real-ip",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.1.2.3:443",
			xff:     "garbage",
			xri:     "198.51.100.2",
			want:    "198.51.100.2",
		},
		{
			name:    "no headers falls back to peer",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.1.2.3:443",
			want:    "10.1.2.3",
		},
		{
			name:   "bare remote addr without port",
			remote: "203.0.113.7",
			want:   "203.0.113.7",
		},
		{
			name:    "ipv6 peer",
			trusted: []string{"::1/128"},
			remote:  "[::1]:9000",
			xff:     "2001:db8::5",
			want:    "2001:db8::5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewIPExtractor(tt.trusted, tt.depth)
			require.NoError(t, err)

			r := httptest.NewRequest("GET", "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}

			assert.Equal(t, tt.want, e.ClientIP(r))
		})
	}
}
