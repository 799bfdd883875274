package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// ErrInexactNumber is returned for a JSON number whose RFC 8785 form, an
// IEEE 754 double, would not equal the value as written.
var ErrInexactNumber = errors.New("canonical: number is not exactly representable")

// TimeLayout is the canonical datetime rendering: UTC, microsecond precision,
// explicit "Z" zone designator.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout. Precision beyond microseconds is
// truncated so values survive a round trip through stores that keep only
// microseconds.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimeLayout)
}

// ParseTime parses a TimeLayout (or any RFC 3339) timestamp into UTC.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("canonical: parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Normalize returns a copy of v with time values replaced by their canonical
// string form. Maps and slices are walked recursively; other values are
// returned unchanged.
func Normalize(v any) any {
	switch t := v.(type) {
	case time.Time:
		return FormatTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return FormatTime(*t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	default:
		return v
	}
}

// Marshal returns the RFC 8785 canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(Normalize(v))
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return Transform(raw)
}

// Transform canonicalizes an existing JSON document. Numbers that would
// change value on the way through are refused with ErrInexactNumber.
func Transform(raw []byte) ([]byte, error) {
	if err := checkNumbers(raw); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash canonicalizes v and digests it with alg.
func Hash(alg Algorithm, v any) (Digest, error) {
	b, err := Marshal(v)
	if err != nil {
		return Digest{}, err
	}
	if !alg.Valid() {
		return Digest{}, fmt.Errorf("%w: version %d", ErrUnknownAlgorithm, uint8(alg))
	}
	return alg.Digest(b), nil
}

// checkNumbers walks raw and checks every number survives conversion to a
// double. Syntax errors are left for jcs to report.
func checkNumbers(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return nil
		}
		if n, ok := tok.(json.Number); ok {
			if err := exactNumber(string(n)); err != nil {
				return err
			}
		}
	}
}

func exactNumber(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInexactNumber, s)
	}
	if f == 0 {
		mantissa, _, _ := strings.Cut(strings.ToLower(s), "e")
		if strings.Trim(mantissa, "-+0.") != "" {
			return fmt.Errorf("%w: %s underflows", ErrInexactNumber, s)
		}
		return nil
	}
	want, ok := new(big.Rat).SetString(s)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInexactNumber, s)
	}
	got, _ := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	if got == nil || want.Cmp(got) != 0 {
		return fmt.Errorf("%w: %s would become %s", ErrInexactNumber, s, strconv.FormatFloat(f, 'g', -1, 64))
	}
	return nil
}
