package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestScrub(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			"password masked",
			"auth failed: password=hunter2 rejected",
			"auth failed: password=[REDACTED] rejected",
		},
		{
			"api key masked",
			"request denied api_key=abc123",
			"request denied api_key=[REDACTED]",
		},
		{
			"path reduced to base",
			"open /etc/purpletrace/config.yaml: permission denied",
			"open config.yaml: permission denied",
		},
		{
			"ip partially masked",
			"dial tcp 192.168.10.44: refused",
			"dial tcp 192.168.x.x: refused",
		},
		{
			"clean text untouched",
			"index not ready",
			"index not ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Scrub(tt.input); got != tt.want {
				t.Errorf("Scrub(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate under limit = %q", got)
	}
	long := strings.Repeat("x", 250)
	if got := Truncate(long, MaxReasonLength); len(got) != MaxReasonLength {
		t.Errorf("len = %d, want %d", len(got), MaxReasonLength)
	}
	if got := Truncate("anything", 0); got != "anything" {
		t.Errorf("Truncate with zero max = %q, want passthrough", got)
	}
}

func TestReason(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		if got := Reason("Connection failed", nil); got != "Connection failed" {
			t.Errorf("Reason = %q", got)
		}
	})

	t.Run("scrubbed and bounded", func(t *testing.T) {
		err := errors.New("dial tcp 10.1.2.3: " + strings.Repeat("z", 300))
		got := Reason("Connection failed", err)
		if !strings.HasPrefix(got, "Connection failed: ") {
			t.Fatalf("Reason = %q", got)
		}
		detail := strings.TrimPrefix(got, "Connection failed: ")
		if len(detail) > MaxReasonLength {
			t.Errorf("detail len = %d, want <= %d", len(detail), MaxReasonLength)
		}
		if strings.Contains(got, "10.1.2.3") {
			t.Errorf("raw address leaked: %q", got)
		}
	})
}
