package screener

import (
	"errors"
	"fmt"
	"math"

	"github.com/guregu/null/v6"
)

var (
	ErrUnknownField  = errors.New("unknown field")
	ErrUnknownBucket = errors.New("unknown bucket")
	ErrBadCondition  = errors.New("invalid condition")
)

// Mode selects how a condition is evaluated.
type Mode string

const (
	ModeAny    Mode = "any"
	ModeBucket Mode = "bucket_select"
	ModeRange  Mode = "direct_input"
)

// Condition is the filter state of one field. Bucket is set only in
// ModeBucket; Min and Max (null = open) only in ModeRange.
type Condition struct {
	Field  string     `json:"field"`
	Mode   Mode       `json:"mode"`
	Bucket string     `json:"bucket,omitempty"`
	Min    null.Float `json:"min"`
	Max    null.Float `json:"max"`
}

// Any returns the pass-through condition of field.
func Any(field string) Condition {
	return Condition{Field: field, Mode: ModeAny}
}

// InBucket returns a bucket condition.
func InBucket(field, bucket string) Condition {
	return Condition{Field: field, Mode: ModeBucket, Bucket: bucket}
}

// Between returns a range condition; use null.Float{} for an open end.
func Between(field string, min, max null.Float) Condition {
	return Condition{Field: field, Mode: ModeRange, Min: min, Max: max}
}

// AtLeast is Between(field, min, open).
func AtLeast(field string, min float64) Condition {
	return Between(field, null.FloatFrom(min), null.Float{})
}

// AtMost is Between(field, open, max).
func AtMost(field string, max float64) Condition {
	return Between(field, null.Float{}, null.FloatFrom(max))
}

// Active reports whether the condition can reject rows.
func (c Condition) Active() bool {
	return c.Mode != ModeAny
}

// Validate checks the condition against the field registry.
func (c Condition) Validate() error {
	f, ok := Lookup(c.Field)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, c.Field)
	}
	switch c.Mode {
	case ModeAny:
		return nil
	case ModeBucket:
		if _, ok := f.Bucket(c.Bucket); !ok {
			return fmt.Errorf("%w: %s has no bucket %q", ErrUnknownBucket, c.Field, c.Bucket)
		}
		return nil
	case ModeRange:
		if f.Kind != KindNumeric {
			return fmt.Errorf("%w: %s does not take a range", ErrBadCondition, c.Field)
		}
		for _, b := range []null.Float{c.Min, c.Max} {
			if b.Valid && (math.IsNaN(b.Float64) || math.IsInf(b.Float64, 0)) {
				return fmt.Errorf("%w: %s bound is not finite", ErrBadCondition, c.Field)
			}
		}
		if c.Min.Valid && c.Max.Valid && c.Min.Float64 > c.Max.Float64 {
			return fmt.Errorf("%w: %s min %v > max %v", ErrBadCondition, c.Field, c.Min.Float64, c.Max.Float64)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s mode %q", ErrBadCondition, c.Field, c.Mode)
	}
}

// Selection maps field ids to their conditions. Fields absent from the map
// are treated as any.
type Selection map[string]Condition

// AllAny returns a selection with every registered field set to any.
func AllAny() Selection {
	sel := make(Selection, len(fieldOrder))
	for _, id := range fieldOrder {
		sel[id] = Any(id)
	}
	return sel
}

// With returns a copy of s with conds applied over it.
func (s Selection) With(conds ...Condition) Selection {
	out := make(Selection, len(s)+len(conds))
	for k, v := range s {
		out[k] = v
	}
	for _, c := range conds {
		out[c.Field] = c
	}
	return out
}

// Active returns the active conditions in field registration order.
func (s Selection) Active() []Condition {
	var out []Condition
	for _, id := range fieldOrder {
		if c, ok := s[id]; ok && c.Active() {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks every condition and that each is stored under its own field id.
func (s Selection) Validate() error {
	for key, c := range s {
		if c.Field != key {
			return fmt.Errorf("%w: condition for %q stored under %q", ErrBadCondition, c.Field, key)
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}
