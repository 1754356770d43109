// Package name defines the normalized registry key for applications.
//
// Two raw forms are accepted:
//
//	app@org        org-scoped, optionally versioned as app@org/v3
//	app.example    dotted, two or more labels
//
// Input is trimmed and lower-cased before validation, so raw strings that differ
// only in surrounding whitespace or ASCII case normalize to the same Name.
package name

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxLabelLength bounds every label of a name.
const MaxLabelLength = 63

const labelPattern = `[a-z0-9]+(?:-[a-z0-9]+)*`

var (
	labelRegex     = regexp.MustCompile(`^` + labelPattern + `$`)
	versionedRegex = regexp.MustCompile(`^(` + labelPattern + `)@(` + labelPattern + `)(?:/v(\d+))?$`)
)

var (
	// ErrInvalidName is returned when a raw string cannot be normalized.
	ErrInvalidName = errors.New("invalid name")
	// ErrInvalidVersion is returned when a versioned name carries an unusable version.
	ErrInvalidVersion = errors.New("invalid version")
)

// Name is a normalized application name. The zero value is not a valid name.
// Names are comparable and can be used directly as map keys.
type Name struct {
	normalized string
}

// New normalizes raw into a Name. Versioned input is rejected; use ParseVersioned.
func New(raw string) (Name, error) {
	v, err := ParseVersioned(raw)
	if err != nil {
		return Name{}, err
	}
	if v.Version != nil {
		return Name{}, fmt.Errorf("%w: %q: version not allowed here", ErrInvalidName, raw)
	}
	return v.Name, nil
}

// MustNew is New for constants in tests and examples. It panics on invalid input.
func MustNew(raw string) Name {
	n, err := New(raw)
	if err != nil {
		panic(err)
	}
	return n
}

// VersionedName is a name plus an optional pinned package version.
type VersionedName struct {
	Name Name
	// Version is nil when the latest version is meant.
	Version *uint64
}

// ParseVersioned normalizes raw, accepting an optional /vN suffix on org-scoped names.
func ParseVersioned(raw string) (VersionedName, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return VersionedName{}, fmt.Errorf("%w: empty", ErrInvalidName)
	}

	if strings.Contains(s, "@") {
		return parseOrgScoped(raw, s)
	}
	return parseDotted(raw, s)
}

func parseOrgScoped(raw, s string) (VersionedName, error) {
	m := versionedRegex.FindStringSubmatch(s)
	if m == nil {
		return VersionedName{}, fmt.Errorf("%w: %q", ErrInvalidName, raw)
	}
	app, org := m[1], m[2]
	if len(app) > MaxLabelLength || len(org) > MaxLabelLength {
		return VersionedName{}, fmt.Errorf("%w: %q: label longer than %d", ErrInvalidName, raw, MaxLabelLength)
	}

	out := VersionedName{Name: Name{normalized: app + "@" + org}}
	if m[3] != "" {
		v, err := strconv.ParseUint(m[3], 10, 64)
		if err != nil {
			return VersionedName{}, fmt.Errorf("%w: %w: %q", ErrInvalidName, ErrInvalidVersion, raw)
		}
		out.Version = &v
	}
	return out, nil
}

func parseDotted(raw, s string) (VersionedName, error) {
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return VersionedName{}, fmt.Errorf("%w: %q: expected app@org or a dotted name", ErrInvalidName, raw)
	}
	for _, label := range labels {
		if !validLabel(label) {
			return VersionedName{}, fmt.Errorf("%w: %q: bad label %q", ErrInvalidName, raw, label)
		}
	}
	return VersionedName{Name: Name{normalized: s}}, nil
}

func validLabel(label string) bool {
	return len(label) > 0 && len(label) <= MaxLabelLength && labelRegex.MatchString(label)
}

// String returns the normalized form.
func (n Name) String() string {
	return n.normalized
}

// IsZero reports whether n is the zero Name.
func (n Name) IsZero() bool {
	return n.normalized == ""
}

// OrgScoped reports whether n was written as app@org.
func (n Name) OrgScoped() bool {
	return strings.Contains(n.normalized, "@")
}

// Labels returns the labels most-significant first: [org, app] for app@org and
// [example, app] for app.example.
func (n Name) Labels() []string {
	if n.normalized == "" {
		return nil
	}
	if app, org, ok := strings.Cut(n.normalized, "@"); ok {
		return []string{org, app}
	}
	parts := strings.Split(n.normalized, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// Compare orders names by their normalized form.
func (n Name) Compare(other Name) int {
	return strings.Compare(n.normalized, other.normalized)
}

// MarshalText implements encoding.TextMarshaler.
func (n Name) MarshalText() ([]byte, error) {
	return []byte(n.normalized), nil
}

// UnmarshalText implements encoding.TextUnmarshaler; the text is normalized again.
func (n *Name) UnmarshalText(text []byte) error {
	parsed, err := New(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Normalizer turns raw input into a Name.
type Normalizer interface {
	Normalize(raw string) (Name, error)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(raw string) (Name, error)

// Normalize calls f.
func (f NormalizerFunc) Normalize(raw string) (Name, error) {
	return f(raw)
}

// Default is the normalizer implemented by New.
var Default Normalizer = NormalizerFunc(New)
