package event

import "strings"

// Normalizer maps a raw identity to the canonical identity used for grouping
// and change counting.
type Normalizer interface {
	Normalize(identity string) string
}

// changedMarker is appended to key names by some native builds.
const changedMarker = " was changed."

// RegistryKeyNormalizer strips the " was changed." marker and surrounding
// whitespace from registry keys.
type RegistryKeyNormalizer struct{}

// Normalize implements Normalizer.
func (RegistryKeyNormalizer) Normalize(key string) string {
	return strings.TrimSpace(strings.Replace(key, changedMarker, "", 1))
}

// PathNormalizer canonicalizes filesystem paths. Paths arrive canonical from
// the native service, so the zero value only trims whitespace.
type PathNormalizer struct {
	// FoldCase lower-cases paths for case-insensitive filesystems.
	FoldCase bool
}

// Normalize implements Normalizer.
func (n PathNormalizer) Normalize(path string) string {
	path = strings.TrimSpace(path)
	if n.FoldCase {
		path = strings.ToLower(path)
	}
	return path
}

// NormalizerFor returns the default normalizer of a family.
func NormalizerFor(f Family) Normalizer {
	if f == Registry {
		return RegistryKeyNormalizer{}
	}
	return PathNormalizer{}
}
