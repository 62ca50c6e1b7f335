// Package version derives content-hash version strings for chapter documents.
package version

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// Scheme tags every version produced here. Legacy files carry "v1.1.0-" versions
	// hashed with a different canonical form; those never compare equal to this scheme.
	Scheme      = "v2.0.0"
	DigestChars = 6
	// Unversioned is the placeholder for documents that were never saved.
	Unversioned = "unversioned"
)

// Of returns the version of canonical bytes.
func Of(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return Scheme + "-" + hex.EncodeToString(sum[:])[:DigestChars]
}

// Next returns the version to store after a save and whether it differs from
// current. An unchanged digest keeps current as-is.
func Next(current string, canonical []byte) (string, bool) {
	computed := Of(canonical)
	if computed == current {
		return current, false
	}
	return computed, true
}

// IsCurrentScheme reports whether v was produced by this scheme.
func IsCurrentScheme(v string) bool {
	digest, ok := strings.CutPrefix(v, Scheme+"-")
	if !ok || len(digest) != DigestChars {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}
