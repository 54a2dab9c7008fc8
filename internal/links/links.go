// Package links turns panel subscription payloads into client connection
// links and builds direct links when the subscription service is down.
package links

import (
	"encoding/base64"
	"errors"
	"strings"
)

var (
	ErrEmptySubscription = errors.New("subscription response is empty")
	ErrNoLinks           = errors.New("no connection links found in subscription content")
)

// Extract pulls connection links out of a subscription body. Panels serve
// the body either as plain text or base64-encoded; both are handled.
// Order is preserved, duplicates are dropped.
func Extract(raw string) ([]string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrEmptySubscription
	}

	if decoded, ok := maybeDecodeBase64(text); ok {
		text = decoded
	}

	var links []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		value := strings.TrimSpace(line)
		if value == "" || !strings.Contains(value, "://") {
			continue
		}
		if seen[value] {
			continue
		}
		seen[value] = true
		links = append(links, value)
	}

	if len(links) == 0 {
		return nil, ErrNoLinks
	}
	return links, nil
}

// Chunk joins links into newline-separated blocks of at most size links
// each, for delivery surfaces with message length limits
func Chunk(links []string, size int) []string {
	if size < 1 {
		size = 1
	}

	var chunks []string
	for start := 0; start < len(links); start += size {
		end := start + size
		if end > len(links) {
			end = len(links)
		}
		chunks = append(chunks, strings.Join(links[start:end], "\n"))
	}
	return chunks
}

// maybeDecodeBase64 decodes the body when it looks like a base64 blob.
// A body already carrying a scheme is plain text; a decode that does not
// surface a scheme was not base64 either.
func maybeDecodeBase64(text string) (string, bool) {
	candidate := strings.Join(strings.Fields(text), "")
	if candidate == "" || strings.Contains(candidate, "://") {
		return "", false
	}

	if pad := len(candidate) % 4; pad != 0 {
		candidate += strings.Repeat("=", 4-pad)
	}

	decoded, err := base64.StdEncoding.DecodeString(candidate)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(candidate)
		if err != nil {
			return "", false
		}
	}

	out := strings.TrimSpace(string(decoded))
	if !strings.Contains(out, "://") {
		return "", false
	}
	return out, true
}
