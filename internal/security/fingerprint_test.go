package security

import (
	"bytes"
	"testing"
)

func TestFingerprintMatch(t *testing.T) {
	fp := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}

	tests := []struct {
		name      string
		candidate []byte
		stored    []byte
		want      bool
	}{
		{"exact match", fp, fp, true},
		{"copy matches", bytes.Clone(fp), fp, true},
		{"mismatch", []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x03}, fp, false},
		{"prefix is not a match", fp[:4], fp, false},
		{"longer candidate", append(bytes.Clone(fp), 0xff), fp, false},
		{"empty candidate", nil, fp, false},
		{"empty stored", fp, nil, false},
		{"both empty", nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FingerprintMatch(tt.candidate, tt.stored); got != tt.want {
				t.Errorf("FingerprintMatch() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"10.0.0.5:443", "10.0.0.5"},
		{"[::1]:8080", "::1"},
		{"[2001:db8::1]:9190", "2001:db8::1"},
		{"no-port", "no-port"},
	}

	for _, tt := range tests {
		t.Run(tt.remoteAddr, func(t *testing.T) {
			if got := ExtractClientIP(tt.remoteAddr); got != tt.want {
				t.Errorf("ExtractClientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
			}
		})
	}
}
