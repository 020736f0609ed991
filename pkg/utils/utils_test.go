package utils

import (
	"regexp"
	"testing"
	"time"
)

func TestGeneratePeerID(t *testing.T) {
	pattern := regexp.MustCompile(`^camera_[0-9a-f]{6}$`)

	id1 := GeneratePeerID("camera")
	id2 := GeneratePeerID("camera")

	if !pattern.MatchString(id1) {
		t.Errorf("unexpected peer ID format: %s", id1)
	}
	if id1 == id2 {
		t.Error("expected different IDs")
	}

	if got := GeneratePeerID(""); !regexp.MustCompile(`^peer_[0-9a-f]{6}$`).MatchString(got) {
		t.Errorf("expected default prefix, got %s", got)
	}
}

func TestGenerateRequestID(t *testing.T) {
	if GenerateRequestID() == GenerateRequestID() {
		t.Error("expected different request IDs")
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "viewer_a", "viewer_a"},
		{"with control chars", "viewer\x00_a", "viewer_a"},
		{"with whitespace", "  camera_b\n", "camera_b"},
		{"escape sequence", "\x1b[0mviewer_c", "[0mviewer_c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeString(tt.input); got != tt.expected {
				t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string", "v=0", 10, "v=0"},
		{"long string", "hello world", 5, "he..."},
		{"very short max", "hello", 2, "he"},
		{"exact length", "hello", 5, "hello"},
		{"multibyte boundary", "caméra", 5, "ca..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateString(tt.input, tt.maxLen); got != tt.expected {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{100 * time.Millisecond, "100ms"},
		{2 * time.Second, "2s"},
		{2*time.Second + 600*time.Millisecond, "3s"},
		{3*time.Minute + 5*time.Second, "3m05s"},
		{2*time.Hour + 30*time.Minute, "2h30m"},
		{4*24*time.Hour + 3*time.Hour, "4d3h"},
	}

	for _, tt := range tests {
		t.Run(tt.duration.String(), func(t *testing.T) {
			if got := FormatDuration(tt.duration); got != tt.expected {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.duration, got, tt.expected)
			}
		})
	}
}
