package service

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+821012345678", "+821012345678", true},
		{"821012345678", "+821012345678", true},
		{" +1 (555) 000-1111 ", "+15550001111", true},
		{"+44.20.7946.0958", "+442079460958", true},
		{"", "", false},
		{"+", "", false},
		{"+0123456", "", false},
		{"+1", "", false},
		{"+1234567890123456", "", false},
		{"+1555abc1111", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizePhone(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizePhone(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
