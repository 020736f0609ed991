package relay

// Relay frame operations. Clients send subscribe, unsubscribe and publish;
// the hub sends message and error.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpMessage     = "message"
	OpError       = "error"
)

// Frame is the single JSON shape exchanged with the hub. Payload carries the
// published bytes as a UTF-8 string and is never interpreted by the hub.
type Frame struct {
	Op      string   `json:"op"`
	Topic   string   `json:"topic,omitempty"`
	Topics  []string `json:"topics,omitempty"`
	Payload string   `json:"payload,omitempty"`
	Error   string   `json:"error,omitempty"`
}
