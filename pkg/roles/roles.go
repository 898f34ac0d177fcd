// Package roles parses and compares template role keys of the form
// CATEGORY.ROLE[.VARIANT...], for example BG.MAIN or CHAR.HOST.PRIMARY.
package roles

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	segmentPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	variantPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_]*$`)
)

const (
	minSegments = 2
	maxSegments = 4
)

// Key is a parsed role key.
type Key struct {
	Category string
	Role     string
	Variant  string
}

// String renders the canonical dotted form.
func (k Key) String() string {
	if k.Variant == "" {
		return k.Category + "." + k.Role
	}
	return k.Category + "." + k.Role + "." + k.Variant
}

// Parse validates raw and splits it into its segments. Input is trimmed and upper-cased.
func Parse(raw string) (Key, error) {
	normalized := Normalize(raw)
	if normalized == "" {
		return Key{}, fmt.Errorf("role key is empty")
	}
	parts := strings.Split(normalized, ".")
	if len(parts) < minSegments || len(parts) > maxSegments {
		return Key{}, fmt.Errorf("role key %q must have between %d and %d segments", raw, minSegments, maxSegments)
	}
	for i, part := range parts {
		pattern := segmentPattern
		if i >= minSegments {
			pattern = variantPattern
		}
		if !pattern.MatchString(part) {
			return Key{}, fmt.Errorf("role key %q has invalid segment %q", raw, part)
		}
	}
	return Key{
		Category: parts[0],
		Role:     parts[1],
		Variant:  strings.Join(parts[2:], "."),
	}, nil
}

// Normalize trims and upper-cases a role key without validating it.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Valid reports whether raw parses as a role key.
func Valid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

// Compatible reports whether an asset tagged with a can fill slot b:
// category and role must match, the variant may differ.
func Compatible(a, b string) bool {
	ka, err := Parse(a)
	if err != nil {
		return false
	}
	kb, err := Parse(b)
	if err != nil {
		return false
	}
	return ka.Category == kb.Category && ka.Role == kb.Role
}
