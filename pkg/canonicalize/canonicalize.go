// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 content addressing. Every digest in the kernel
// (context refs, prompt digests, envelope digests, bundle manifests) flows
// through this package so that hashes are stable across processes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DigestPrefix marks SHA-256 digests in wire form.
const DigestPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v. Struct json
// tags are respected; map keys are sorted by UTF-8 bytes and HTML escaping
// is disabled.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Digest returns the prefixed wire-form digest ("sha256:<hex>") of the
// canonical JSON form of v.
func Digest(v any) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return DigestPrefix + h, nil
}

// DigestText returns the prefixed digest of a raw text payload, used for
// prompt digests where no JSON structure exists.
func DigestText(text string) string {
	return DigestPrefix + HashBytes([]byte(text))
}
