package util

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		digits  int
		wantLen int
	}{
		{"turn", "t_", 16, 18},
		{"request", "req_", 16, 20},
		{"clamped high", "x_", 100, 34},
		{"clamped low", "x_", 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewID(tt.prefix, tt.digits)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("NewID() = %q, want prefix %q", got, tt.prefix)
			}
			if len(got) != tt.wantLen {
				t.Errorf("NewID() length = %d, want %d", len(got), tt.wantLen)
			}
			digits := got[len(tt.prefix):]
			if len(digits)%2 == 1 {
				digits += "0"
			}
			if _, err := hex.DecodeString(digits); err != nil {
				t.Errorf("NewID() suffix %q is not hex", got[len(tt.prefix):])
			}
		})
	}
}

func TestGeneratedIDs(t *testing.T) {
	if got := GenerateTurnID(); !strings.HasPrefix(got, "t_") || len(got) != 18 {
		t.Errorf("GenerateTurnID() = %q", got)
	}
	if got := GenerateRequestID(); !strings.HasPrefix(got, "req_") || len(got) != 20 {
		t.Errorf("GenerateRequestID() = %q", got)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID("u_", 16)
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
