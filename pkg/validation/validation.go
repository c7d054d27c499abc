package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxChatTextLength bounds a single chat message in runes.
const MaxChatTextLength = 2000

var (
	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ConnectionIDRegex validates connection ID format
	ConnectionIDRegex = regexp.MustCompile(`^(mc|dc)_[a-f0-9]+$`)
)

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateConnectionID validates a relay connection ID
func ValidateConnectionID(connectionID string) error {
	if connectionID == "" {
		return fmt.Errorf("connection ID is required")
	}
	if len(connectionID) > 64 {
		return fmt.Errorf("connection ID is too long (max 64 characters)")
	}
	if !ConnectionIDRegex.MatchString(connectionID) {
		return fmt.Errorf("invalid connection ID format")
	}
	return nil
}

// ValidateSDP performs a structural check of a session description: the
// mandatory v=, o=, s= and t= lines must be present and v= must come first.
func ValidateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("sdp is required")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("sdp must start with a version line")
	}
	for _, prefix := range []string{"o=", "s=", "t="} {
		if !hasLine(sdp, prefix) {
			return fmt.Errorf("sdp is missing %s line", strings.TrimSuffix(prefix, "="))
		}
	}
	return nil
}

func hasLine(sdp, prefix string) bool {
	for _, line := range strings.Split(sdp, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) {
			return true
		}
	}
	return false
}

// ValidateChatText validates an outgoing chat message after trimming
func ValidateChatText(text string) error {
	if err := ValidateNonEmptyString(text, "message"); err != nil {
		return err
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid characters")
	}
	return ValidateStringLength(text, 1, MaxChatTextLength, "message")
}

// ValidateFacing validates a camera facing mode
func ValidateFacing(facing string) error {
	switch facing {
	case "user", "environment":
		return nil
	default:
		return fmt.Errorf("invalid facing mode %q (must be user or environment)", facing)
	}
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
