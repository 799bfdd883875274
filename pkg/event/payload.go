package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/archon72/ledger/pkg/canonical"
)

// ErrFrozen is returned by any attempt to overwrite a populated Payload.
var ErrFrozen = errors.New("event: payload is frozen")

// Payload is an immutable JSON object. It is sealed at construction: the
// canonical bytes are computed once and the decoded tree is private, so
// callers only ever receive copies.
type Payload struct {
	raw  []byte
	tree map[string]any
}

// NewPayload seals m into a Payload. A nil map yields the empty object.
func NewPayload(m map[string]any) (Payload, error) {
	if m == nil {
		m = map[string]any{}
	}
	raw, err := canonical.Marshal(m)
	if err != nil {
		return Payload{}, fmt.Errorf("event: payload: %w", err)
	}
	return payloadFromCanonical(raw)
}

// MustPayload is NewPayload for literals known to be valid. It panics on error.
func MustPayload(m map[string]any) Payload {
	p, err := NewPayload(m)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePayload seals a JSON object received from storage or the wire.
func ParsePayload(data []byte) (Payload, error) {
	raw, err := canonical.Transform(data)
	if err != nil {
		return Payload{}, fmt.Errorf("event: payload: %w", err)
	}
	return payloadFromCanonical(raw)
}

func payloadFromCanonical(raw []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		return Payload{}, fmt.Errorf("event: payload must be a JSON object: %w", err)
	}
	if tree == nil {
		return Payload{}, errors.New("event: payload must be a JSON object, got null")
	}
	return Payload{raw: raw, tree: tree}, nil
}

// Canonical returns a copy of the payload's canonical JSON encoding.
func (p Payload) Canonical() []byte {
	if p.raw == nil {
		return []byte("{}")
	}
	return bytes.Clone(p.raw)
}

// Len returns the number of top-level keys.
func (p Payload) Len() int { return len(p.tree) }

// Keys returns the top-level keys in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p.tree))
	for k := range p.tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns a deep copy of the value stored under key.
func (p Payload) Get(key string) (any, bool) {
	v, ok := p.tree[key]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Text returns the string stored under key, or "" if absent or not a string.
func (p Payload) Text(key string) string {
	s, _ := p.tree[key].(string)
	return s
}

// Map returns a deep copy of the whole payload.
func (p Payload) Map() map[string]any {
	out, _ := deepCopy(p.tree).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// Equal reports whether both payloads have the same canonical encoding.
func (p Payload) Equal(other Payload) bool {
	return bytes.Equal(p.Canonical(), other.Canonical())
}

// MarshalJSON emits the canonical encoding.
func (p Payload) MarshalJSON() ([]byte, error) {
	return p.Canonical(), nil
}

// UnmarshalJSON populates a zero Payload. A populated payload refuses with
// ErrFrozen rather than being silently replaced.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if p.raw != nil {
		return ErrFrozen
	}
	parsed, err := ParsePayload(data)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
