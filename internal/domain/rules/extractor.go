package rules

import (
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
)

// DomainExtractor pulls a normalized host out of an event. Events without
// an extractable host are skipped by the pipeline.
type DomainExtractor interface {
	ExtractDomain(eventType string, data json.RawMessage) (string, bool)
}

// DomainExtractorFunc adapts a function to DomainExtractor.
type DomainExtractorFunc func(eventType string, data json.RawMessage) (string, bool)

// ExtractDomain calls f(eventType, data).
func (f DomainExtractorFunc) ExtractDomain(eventType string, data json.RawMessage) (string, bool) {
	if f == nil {
		return "", false
	}
	return f(eventType, data)
}

// NetworkDomainExtractor reads hosts from CDP Network.* event payloads.
type NetworkDomainExtractor struct{}

// ExtractDomain extracts the host from the payload shapes the browser
// worker emits:
//   - {"request":{"url":"https://example.com/path"}}
//   - {"url":"https://example.com/path"}
//   - {"response":{"url":"https://example.com/path"}}
//
// The host is lower-cased with any port and IPv6 brackets stripped.
func (NetworkDomainExtractor) ExtractDomain(eventType string, data json.RawMessage) (string, bool) {
	if !strings.HasPrefix(eventType, "Network.") || len(data) == 0 {
		return "", false
	}

	var p struct {
		Request struct {
			URL string `json:"url"`
		} `json:"request"`
		URL      string `json:"url"`
		Response struct {
			URL string `json:"url"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return "", false
	}

	raw := firstNonEmpty(p.Request.URL, p.URL, p.Response.URL)
	if raw == "" {
		return "", false
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		parsed = reparseSchemeless(raw)
		if parsed == nil {
			return "", false
		}
	}

	host := strings.ToLower(parsed.Host)
	if i := strings.LastIndexByte(host, ':'); i > -1 {
		host = host[:i]
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return "", false
	}
	return host, true
}

// reparseSchemeless retries URLs like "example.com/path" or
// "//example.com/path" with a default scheme.
func reparseSchemeless(raw string) *url.URL {
	if strings.Contains(raw, "://") {
		return nil
	}
	prefixed := raw
	if strings.HasPrefix(prefixed, "//") {
		prefixed = "http:" + prefixed
	} else {
		prefixed = "http://" + prefixed
	}
	parsed, err := url.Parse(prefixed)
	if err != nil || parsed.Host == "" {
		return nil
	}
	return parsed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var _ DomainExtractor = NetworkDomainExtractor{}

// FileHashFromEvent reads a SHA-256 from file_seen / file_downloaded event
// payloads, accepting {"sha256":"..."} or {"hash":"..."}. Returns the
// lower-cased 64-hex digest.
func FileHashFromEvent(eventType string, data json.RawMessage) (string, bool) {
	if eventType != "file_seen" && eventType != "file_downloaded" {
		return "", false
	}
	if len(data) == 0 {
		return "", false
	}
	var p struct {
		SHA256 string `json:"sha256"`
		Hash   string `json:"hash"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return "", false
	}
	h := firstNonEmpty(p.SHA256, p.Hash)
	if len(h) != 64 {
		return "", false
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", false
	}
	return strings.ToLower(h), true
}
