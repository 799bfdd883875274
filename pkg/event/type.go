package event

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidType is returned for a malformed event type.
var ErrInvalidType = errors.New("event: invalid event type")

// Type is a dotted, namespaced event type such as "executive.motion.passed".
// The first segment is the branch.
type Type string

// ParseType validates s. Every segment must be non-empty, start with a
// lowercase letter and contain only lowercase letters, digits, '_' or '-'.
// At least two segments are required.
func ParseType(s string) (Type, error) {
	segments := strings.Split(s, ".")
	if len(segments) < 2 {
		return "", fmt.Errorf("%w: %q needs at least <branch>.<name>", ErrInvalidType, s)
	}
	for i, seg := range segments {
		if !validSegment(seg) {
			return "", fmt.Errorf("%w: segment %d of %q is malformed", ErrInvalidType, i+1, s)
		}
	}
	return Type(s), nil
}

// MustType is ParseType for constants. It panics on error.
func MustType(s string) Type {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Branch returns the leading segment.
func (t Type) Branch() string {
	branch, _, _ := strings.Cut(string(t), ".")
	return branch
}

// Segments returns every segment in order.
func (t Type) Segments() []string {
	return strings.Split(string(t), ".")
}

// String implements fmt.Stringer.
func (t Type) String() string { return string(t) }

func validSegment(seg string) bool {
	if seg == "" || seg[0] < 'a' || seg[0] > 'z' {
		return false
	}
	for i := 1; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// UnmarshalText validates the type when decoding.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
