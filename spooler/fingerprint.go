package spooler

import (
	_ "crypto/sha256"

	"github.com/opencontainers/go-digest"
)

// ComputeFingerprint returns the lowercase hex SHA-256 of content.
// Empty content is rejected: it is never a duplicate of anything.
func ComputeFingerprint(content []byte) (string, error) {
	if len(content) == 0 {
		return "", &ValidationError{Field: "content", Reason: "empty content"}
	}
	return digest.SHA256.FromBytes(content).Encoded(), nil
}

// ValidFingerprint reports whether s is a 64-char lowercase hex SHA-256.
func ValidFingerprint(s string) bool {
	return digest.NewDigestFromEncoded(digest.SHA256, s).Validate() == nil
}

func shortFingerprint(fp string) string {
	if len(fp) <= 16 {
		return fp
	}
	return fp[:16]
}
