package gql

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainFingerprint = "syncql/fingerprint/v1"
	DomainPayload     = "syncql/payload/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint derives the cache and deduplication key for an operation from
// its kind, name and variables. The document text is excluded: two documents
// that share a name and arguments address the same cache entry.
func Fingerprint(kind Kind, name string, variables Object) string {
	if variables == nil {
		variables = Object{}
	}
	obj := Object{
		"kind":      String(kind.String()),
		"name":      String(name),
		"variables": variables,
	}
	return hashWithDomain(DomainFingerprint, MarshalCanonical(obj))
}

// PayloadDigest hashes a payload. Used to detect no-op cache writes.
func PayloadDigest(payload Object) string {
	if payload == nil {
		return hashWithDomain(DomainPayload, []byte("null"))
	}
	return hashWithDomain(DomainPayload, MarshalCanonical(payload))
}
