package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	maxSessionIDLength = 128
	maxPayloadBytes    = 64 * 1024
)

// sessionIDRegex accepts UUIDs and human-chosen slugs alike.
var sessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateSessionID checks a client-supplied session identifier. Empty
// is allowed where the caller treats it as "mint one for me".
func ValidateSessionID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("session id is too long (max %d characters)", maxSessionIDLength)
	}
	if !sessionIDRegex.MatchString(id) {
		return fmt.Errorf("session id contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateConnID checks a signal target identifier.
func ValidateConnID(id string) error {
	if id == "" {
		return fmt.Errorf("connection id is required")
	}
	if !sessionIDRegex.MatchString(id) {
		return fmt.Errorf("connection id contains invalid characters")
	}
	return nil
}

// ValidateSignalPayload bounds forwarded payload size. The relay never
// parses the payload, but it refuses to amplify oversized blobs.
func ValidateSignalPayload(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("signal payload is required")
	}
	if len(payload) > maxPayloadBytes {
		return fmt.Errorf("signal payload is too large (max %d bytes)", maxPayloadBytes)
	}
	return nil
}

// ValidateSignalingURL checks a ws:// or wss:// endpoint.
func ValidateSignalingURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("signaling url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signaling url must use ws or wss scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("signaling url is missing a host")
	}
	return nil
}
