package httputil

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trust   bool
		want    string
	}{
		{name: "ipv4 remote", remote: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "ipv6 remote", remote: "[::1]:12345", want: "::1"},
		{name: "remote without port", remote: "192.168.1.1", want: "192.168.1.1"},
		{
			name:    "proxy headers ignored when untrusted",
			remote:  "10.0.0.1:1234",
			headers: map[string]string{"X-Forwarded-For": "1.2.3.4", "X-Real-IP": "5.6.7.8"},
			want:    "10.0.0.1",
		},
		{
			name:    "first forwarded hop",
			remote:  "10.0.0.3:1234",
			headers: map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1, 10.0.0.2"},
			trust:   true,
			want:    "1.2.3.4",
		},
		{
			name:    "real ip when no forwarded header",
			remote:  "10.0.0.1:1234",
			headers: map[string]string{"X-Real-IP": "5.6.7.8"},
			trust:   true,
			want:    "5.6.7.8",
		},
		{
			name:    "forwarded wins over real ip",
			remote:  "10.0.0.1:1234",
			headers: map[string]string{"X-Forwarded-For": "1.2.3.4", "X-Real-IP": "5.6.7.8"},
			trust:   true,
			want:    "1.2.3.4",
		},
		{
			name:    "unparseable forwarded hop",
			remote:  "10.0.0.1:1234",
			headers: map[string]string{"X-Forwarded-For": "unknown, 1.2.3.4", "X-Real-IP": "5.6.7.8"},
			trust:   true,
			want:    "5.6.7.8",
		},
		{
			name:    "unparseable headers",
			remote:  "10.0.0.1:1234",
			headers: map[string]string{"X-Forwarded-For": "<script>", "X-Real-IP": "localhost"},
			trust:   true,
			want:    "10.0.0.1",
		},
		{
			name:    "canonical ipv6",
			remote:  "10.0.0.1:1234",
			headers: map[string]string{"X-Forwarded-For": "2001:DB8:0:0::1"},
			trust:   true,
			want:    "2001:db8::1",
		},
		{name: "trusted without headers", remote: "10.0.0.1:1234", trust: true, want: "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remote, Header: http.Header{}}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r, tt.trust))
		})
	}
}
