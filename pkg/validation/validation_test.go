package validation

import (
	"strings"
	"testing"
)

func TestValidatePeerID(t *testing.T) {
	tests := []struct {
		name    string
		peerID  string
		wantErr bool
	}{
		{"generated id", "peer_3f9a1c", false},
		{"camera id", "camera-01", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"space", "peer 1", true},
		{"slash", "peer/1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePeerID(tt.peerID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePeerID(%q) error = %v, wantErr %v", tt.peerID, err, tt.wantErr)
			}
		})
	}
}

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr bool
	}{
		{"signaling", "webrtc/signaling", false},
		{"announce", "camera/announce", false},
		{"flat", "events", false},
		{"empty", "", true},
		{"leading slash", "/webrtc", true},
		{"trailing slash", "webrtc/", true},
		{"double slash", "webrtc//signaling", true},
		{"wildcard", "webrtc/#", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTopic(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSDP(t *testing.T) {
	valid := "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

	tests := []struct {
		name    string
		sdp     string
		wantErr bool
	}{
		{"valid", valid, false},
		{"empty", "", true},
		{"no version", "o=- 1 2 IN IP4 127.0.0.1\r\n", true},
		{"missing timing", "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSDP(tt.sdp)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSDP() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateResolution(t *testing.T) {
	tests := []struct {
		res     string
		wantErr bool
	}{
		{"640x480", false},
		{"1920x1080", false},
		{"640", true},
		{"0x480", true},
		{"640X480", true},
		{"99999x1", true},
	}

	for _, tt := range tests {
		t.Run(tt.res, func(t *testing.T) {
			err := ValidateResolution(tt.res)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateResolution(%q) error = %v, wantErr %v", tt.res, err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	if err := ValidateURL("ws://localhost:8081/ws"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateURL("redis://localhost:6379", "ws", "wss"); err == nil {
		t.Error("expected scheme error")
	}
	if err := ValidateURL("ws:///ws"); err == nil {
		t.Error("expected missing host error")
	}
	if err := ValidateURL(""); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestValidateICEServerURL(t *testing.T) {
	for _, s := range []string{"stun:stun.l.google.com:19302", "turn:turn.example.com:3478"} {
		if err := ValidateICEServerURL(s); err != nil {
			t.Errorf("ValidateICEServerURL(%q) unexpected error: %v", s, err)
		}
	}
	for _, s := range []string{"", "stun:", "http://stun.example.com"} {
		if err := ValidateICEServerURL(s); err == nil {
			t.Errorf("ValidateICEServerURL(%q) expected error", s)
		}
	}
}
