package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than max", "abc", 8, "abc"},
		{"exact length", "abcdefgh", 8, "abcdefgh"},
		{"longer than max", "abcdefghijkl", 8, "abcdefgh"},
		{"empty string", "", 8, ""},
		{"zero max", "abc", 0, ""},
		{"negative max", "abc", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
