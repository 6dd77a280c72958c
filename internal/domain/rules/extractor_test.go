package rules

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkDomainExtractorShapes(t *testing.T) {
	extractor := NetworkDomainExtractor{}

	tests := []struct {
		name      string
		eventType string
		data      string
		want      string
		ok        bool
	}{
		{
			name:      "request url",
			eventType: "Network.requestWillBeSent",
			data:      `{"request":{"url":"https://Example.COM/path"}}`,
			want:      "example.com",
			ok:        true,
		},
		{
			name:      "top level url",
			eventType: "Network.responseReceived",
			data:      `{"url":"https://cdn.example.com:8443/x.js"}`,
			want:      "cdn.example.com",
			ok:        true,
		},
		{
			name:      "response url",
			eventType: "Network.loadingFinished",
			data:      `{"response":{"url":"https://static.example.net/a"}}`,
			want:      "static.example.net",
			ok:        true,
		},
		{
			name:      "scheme-less url",
			eventType: "Network.requestWillBeSent",
			data:      `{"url":"example.org/login"}`,
			want:      "example.org",
			ok:        true,
		},
		{
			name:      "protocol-relative url",
			eventType: "Network.requestWillBeSent",
			data:      `{"url":"//tracker.example.io/pixel"}`,
			want:      "tracker.example.io",
			ok:        true,
		},
		{
			name:      "ipv6 host",
			eventType: "Network.requestWillBeSent",
			data:      `{"url":"http://[2001:db8::1]:8080/api"}`,
			want:      "2001:db8::1",
			ok:        true,
		},
		{
			name:      "non-network event",
			eventType: "Page.loadEventFired",
			data:      `{"url":"https://example.com"}`,
			ok:        false,
		},
		{
			name:      "empty payload",
			eventType: "Network.requestWillBeSent",
			data:      "",
			ok:        false,
		},
		{
			name:      "malformed payload",
			eventType: "Network.requestWillBeSent",
			data:      `{"request":`,
			ok:        false,
		},
		{
			name:      "no url anywhere",
			eventType: "Network.requestWillBeSent",
			data:      `{"request":{}}`,
			ok:        false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractor.ExtractDomain(tt.eventType, json.RawMessage(tt.data))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestFileHashFromEvent(t *testing.T) {
	hash := strings.Repeat("AB", 32)

	got, ok := FileHashFromEvent("file_seen", json.RawMessage(`{"sha256":"`+hash+`"}`))
	assert.True(t, ok)
	assert.Equal(t, strings.ToLower(hash), got)

	got, ok = FileHashFromEvent("file_downloaded", json.RawMessage(`{"hash":"`+hash+`"}`))
	assert.True(t, ok)
	assert.Equal(t, strings.ToLower(hash), got)

	_, ok = FileHashFromEvent("file_seen", json.RawMessage(`{"sha256":"zz"}`))
	assert.False(t, ok)

	_, ok = FileHashFromEvent("file_seen", json.RawMessage(`{"sha256":"`+strings.Repeat("zz", 32)+`"}`))
	assert.False(t, ok, "non-hex digests are rejected")

	_, ok = FileHashFromEvent("Network.requestWillBeSent", json.RawMessage(`{"sha256":"`+hash+`"}`))
	assert.False(t, ok)
}
