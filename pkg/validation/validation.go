package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const maxPeerIDLength = 100

var (
	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// TopicRegex validates bus topic names such as webrtc/signaling
	TopicRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+(/[a-zA-Z0-9_\-]+)*$`)

	resolutionRegex = regexp.MustCompile(`^(\d+)x(\d+)$`)
)

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > maxPeerIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", maxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateTopic validates a bus topic name
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if len(topic) > 200 {
		return fmt.Errorf("topic is too long (max 200 characters)")
	}
	if !TopicRegex.MatchString(topic) {
		return fmt.Errorf("invalid topic format: %q", topic)
	}
	return nil
}

// ValidateSDP performs a structural check of a session description.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}

	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}

	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, "\n"+field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}

	return nil
}

// ValidateResolution validates a WIDTHxHEIGHT string
func ValidateResolution(res string) error {
	m := resolutionRegex.FindStringSubmatch(res)
	if m == nil {
		return fmt.Errorf("invalid resolution %q (expected WIDTHxHEIGHT)", res)
	}
	for _, part := range m[1:] {
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 || n > 8192 {
			return fmt.Errorf("invalid resolution %q", res)
		}
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) == 0 {
		schemes = []string{"http", "https", "ws", "wss"}
	}
	valid := false
	for _, s := range schemes {
		if u.Scheme == s {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid URL scheme %q (must be one of %s)", u.Scheme, strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL validates a stun:, stuns:, turn: or turns: URL
func ValidateICEServerURL(s string) error {
	for _, prefix := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(s, prefix) && len(s) > len(prefix) {
			return nil
		}
	}
	return fmt.Errorf("invalid ICE server URL %q", s)
}
