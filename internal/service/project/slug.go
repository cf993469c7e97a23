package project

import (
	"regexp"

	petname "github.com/dustinkirkland/golang-petname"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// slugWords is adverb-adjective-name, e.g. "quietly-golden-otter".
const slugWords = 3

// ValidSlug reports whether slug is lowercase alphanumeric words joined by
// single hyphens.
func ValidSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}

// GenerateSlug returns a random human-readable slug. Collisions are expected
// and handled by the caller.
func GenerateSlug() string {
	return petname.Generate(slugWords, "-")
}
