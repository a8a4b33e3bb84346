package screener

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/guregu/null/v6"
)

// ErrMalformedQuery is returned when a query value cannot be decoded.
var ErrMalformedQuery = errors.New("malformed query")

const (
	tokenAny    = "any"
	tokenBucket = "bucket"
	tokenRange  = "range"
)

// Serialize encodes sel as a flat field -> value mapping:
// "any", "bucket:<id>" or "range:<min>:<max>" with empty bounds open.
// Any conditions are kept so that Parse restores the same selection.
func Serialize(sel Selection) map[string]string {
	out := make(map[string]string, len(sel))
	for key, c := range sel {
		out[key] = encodeCondition(c)
	}
	return out
}

// Encode is Serialize rendered as a URL query string with sorted keys.
func Encode(sel Selection) string {
	v := make(url.Values, len(sel))
	for key, val := range Serialize(sel) {
		v.Set(key, val)
	}
	return v.Encode()
}

func encodeCondition(c Condition) string {
	switch c.Mode {
	case ModeBucket:
		return tokenBucket + ":" + c.Bucket
	case ModeRange:
		return tokenRange + ":" + formatBound(c.Min) + ":" + formatBound(c.Max)
	default:
		return tokenAny
	}
}

func formatBound(b null.Float) string {
	if !b.Valid {
		return ""
	}
	return strconv.FormatFloat(b.Float64, 'g', -1, 64)
}

// Parse decodes a flat mapping produced by Serialize. Keys that are not
// registered fields are ignored. On any malformed value it returns AllAny()
// together with an error wrapping ErrMalformedQuery.
func Parse(m map[string]string) (Selection, error) {
	sel := make(Selection)
	for key, raw := range m {
		if _, ok := Lookup(key); !ok {
			continue
		}
		c, err := decodeCondition(key, raw)
		if err != nil {
			return AllAny(), fmt.Errorf("%w: %s=%q: %v", ErrMalformedQuery, key, raw, err)
		}
		sel[key] = c
	}
	return sel, nil
}

// ParseValues decodes URL query values, using the first value of each key.
func ParseValues(v url.Values) (Selection, error) {
	m := make(map[string]string, len(v))
	for key, vals := range v {
		if len(vals) > 0 {
			m[key] = vals[0]
		}
	}
	return Parse(m)
}

// ParseQuery decodes a raw URL query string.
func ParseQuery(raw string) (Selection, error) {
	v, err := url.ParseQuery(strings.TrimPrefix(raw, "?"))
	if err != nil {
		return AllAny(), fmt.Errorf("%w: %v", ErrMalformedQuery, err)
	}
	return ParseValues(v)
}

func decodeCondition(field, raw string) (Condition, error) {
	raw = strings.TrimSpace(raw)
	head, rest, _ := strings.Cut(raw, ":")

	var c Condition
	switch head {
	case tokenAny:
		if rest != "" {
			return Condition{}, errors.New("any takes no arguments")
		}
		c = Any(field)
	case tokenBucket:
		if rest == "" {
			return Condition{}, errors.New("missing bucket id")
		}
		c = InBucket(field, rest)
	case tokenRange:
		lo, hi, ok := strings.Cut(rest, ":")
		if !ok || strings.Contains(hi, ":") {
			return Condition{}, errors.New("range needs min:max")
		}
		min, err := parseBound(lo)
		if err != nil {
			return Condition{}, err
		}
		max, err := parseBound(hi)
		if err != nil {
			return Condition{}, err
		}
		c = Between(field, min, max)
	default:
		return Condition{}, fmt.Errorf("unknown mode %q", head)
	}

	if err := c.Validate(); err != nil {
		return Condition{}, err
	}
	return c, nil
}

func parseBound(s string) (null.Float, error) {
	if s == "" {
		return null.Float{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return null.Float{}, fmt.Errorf("bad number %q", s)
	}
	return null.FloatFrom(v), nil
}
