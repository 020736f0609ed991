package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const peerSuffixLength = 6

// GeneratePeerID returns "<prefix>_<6 hex chars>", e.g. camera_3f9a1c.
func GeneratePeerID(prefix string) string {
	if prefix == "" {
		prefix = "peer"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:peerSuffixLength]
	return prefix + "_" + suffix
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}
