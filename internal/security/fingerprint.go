package security

import (
	"crypto/subtle"
	"strings"
)

// FingerprintMatch compares a candidate room fingerprint against the
// stored one in constant time. The fingerprint is already two one-way
// transforms removed from the room password, but a timing oracle on the
// comparison would still leak prefix information, so we don't offer one.
func FingerprintMatch(candidate, stored []byte) bool {
	if len(candidate) == 0 || len(stored) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(candidate, stored) == 1
}

// ExtractClientIP strips the port from RemoteAddr ("ip:port" → "ip").
func ExtractClientIP(remoteAddr string) string {
	// Handle IPv6 addresses like "[::1]:8080"
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host := remoteAddr[:idx]
		// Remove brackets from IPv6
		host = strings.TrimPrefix(host, "[")
		host = strings.TrimSuffix(host, "]")
		return host
	}
	return remoteAddr
}
