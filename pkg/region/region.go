// Package region parses and classifies the region-tag syntax the core
// uses everywhere: "<provider>:<subregion>".
package region

import (
	"fmt"
	"strings"
)

// Provider identifies one of the three supported clouds.
type Provider string

const (
	AWS   Provider = "aws"
	Azure Provider = "azure"
	GCP   Provider = "gcp"
)

// Valid reports whether p is one of the three supported providers.
func (p Provider) Valid() bool {
	switch p {
	case AWS, Azure, GCP:
		return true
	default:
		return false
	}
}

// Tag is a parsed region tag, e.g. "aws:us-east-1".
type Tag struct {
	Provider  Provider
	Subregion string
}

// String reconstructs the original "<provider>:<subregion>" form.
func (t Tag) String() string {
	return fmt.Sprintf("%s:%s", t.Provider, t.Subregion)
}

// Parse splits a region tag on the first ":" only, per spec.md §6.
func Parse(tag string) (Tag, error) {
	provider, subregion, ok := strings.Cut(tag, ":")
	if !ok || provider == "" || subregion == "" {
		return Tag{}, fmt.Errorf("malformed region tag %q: expected \"<provider>:<subregion>\"", tag)
	}
	p := Provider(provider)
	if !p.Valid() {
		return Tag{}, fmt.Errorf("malformed region tag %q: unknown provider %q", tag, provider)
	}
	return Tag{Provider: p, Subregion: subregion}, nil
}

// MustParse is Parse but panics on error; useful in tests and static
// topology construction where the tag is a compile-time literal.
func MustParse(tag string) Tag {
	t, err := Parse(tag)
	if err != nil {
		panic(err)
	}
	return t
}
