package dicom

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with hashes already in an index.
const (
	DomainObject = "archivist/object/v1"
	DomainGroup  = "archivist/group/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash identifies an object's full content: every attribute value
// (normalized), the transfer syntax, and the pixel payload.
func ContentHash(obj *Object) (string, error) {
	attrs := make(map[string]any, len(obj.Attributes))
	for k, v := range obj.Attributes {
		attrs[k] = Normalize(v)
	}
	pixel := sha256.Sum256(obj.PixelData)

	canonical, err := MarshalCanonical(map[string]any{
		"attributes":      attrs,
		"pixel_digest":    hex.EncodeToString(pixel[:]),
		"transfer_syntax": obj.TransferSyntax,
	})
	if err != nil {
		return "", fmt.Errorf("ContentHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainObject, canonical), nil
}

// MustContentHash is like ContentHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustContentHash(obj *Object) string {
	h, err := ContentHash(obj)
	if err != nil {
		panic(err)
	}
	return h
}

// GroupDigest shortens a reconciliation grouping key into a stable token
// that is safe to use as a directory name.
func GroupDigest(groupID string) string {
	return hashWithDomain(DomainGroup, []byte(groupID))[:16]
}
