// Package utils provides small matching and hashing helpers shared by the
// manifest, instructions and lifecycle packages.
//
// This file implements the prefix matching used to decide whether a request
// URL is covered by a group's fallback rule.
package utils

import "strings"

// MatchPrefix reports whether url begins with prefix. This is the matcher
// used by instructions.Fallback for fallback rules — the manifest grammar
// only ever declares plain-prefix fallbacks, so there is no wildcard form to
// match.
func MatchPrefix(prefix, url string) bool {
	return strings.HasPrefix(url, prefix)
}
