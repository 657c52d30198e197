package cuid

import (
	"regexp"

	lucsky "github.com/lucsky/cuid"
)

// New returns a fresh collision-resistant identifier.
func New() string {
	return lucsky.New()
}

// Client-supplied identifiers share the alphabet of generated ones.
// The leading character excludes ':', reserved for synthetic stream ids.
var likeRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,99}$`)

// IsLike reports whether s is acceptable as a client-supplied identifier.
func IsLike(s string) bool {
	return likeRe.MatchString(s)
}
