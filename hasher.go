package flagcore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"strings"
)

// hashToUint64 is the canonical bucketing primitive (SPEC_FULL.md §4.1.1):
// SHA-256 of s, first 8 bytes read big-endian as an unsigned 64-bit integer.
// All downstream bucket math is integer-only; no floating point may be
// introduced anywhere along this path without breaking cross-SDK parity.
func hashToUint64(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

// unitID resolves the unit of randomization for a rule/condition's idType.
// "userID" (any case) or empty selects User.UserID; anything else selects
// the matching entry of User.CustomIDs, tried verbatim and lowercased.
func unitID(user User, idType string) string {
	if idType == "" || lower(idType) == "userid" {
		return user.UserID
	}
	if v, ok := user.CustomIDs[idType]; ok {
		return v
	}
	if v, ok := user.CustomIDs[lower(idType)]; ok {
		return v
	}
	return ""
}

// evalPassPercentage implements the rule pass/fail bucketing law: the rule
// passes when h(spec.salt + "." + ruleSalt + "." + unitID) mod 10000 is
// strictly less than passPercentage * 100.
func evalPassPercentage(user User, rule ConfigRule, spec ConfigSpec) bool {
	ruleSalt := rule.Salt
	if ruleSalt == "" {
		ruleSalt = rule.ID
	}
	h := hashToUint64(strings.Join([]string{spec.Salt, ruleSalt, unitID(user, rule.IDType)}, "."))
	return h%10000 < uint64(rule.PassPercentage*100)
}

// segmentListKey derives the short lookup key an in_segment_list/
// not_in_segment_list condition checks against an IDList's membership set:
// the standard-base64 encoding of value's SHA-256 digest, truncated to its
// first 8 characters. This must match the key shape the server already
// applies before writing "+<key>"/"-<key>" records into the list body
// (spec.md §6), since the list itself only ever stores hashed keys.
func segmentListKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.StdEncoding.EncodeToString(sum[:])[:8]
}

// userBucketValue implements the user_bucket condition's bucketing: the
// unit ID is hashed against salt into a 0-999 slot. The caller passes the
// condition's own salt when it has one, and the spec's salt otherwise.
func userBucketValue(salt string, user User, idType string) int64 {
	h := hashToUint64(salt + "." + unitID(user, idType))
	return int64(h % 1000)
}
