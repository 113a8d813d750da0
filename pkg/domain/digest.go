package domain

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gowebpki/jcs"
)

// ConfigDigest returns the sha256 hex digest of the RFC 8785 canonical form
// of a configuration, so equal configurations digest equally regardless of
// key order or whitespace.
func ConfigDigest(config []byte) (string, error) {
	canonical, err := jcs.Transform(config)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
