package screener

import (
	"KRScreener/internal/model"
)

// Apply returns the rows passing every active condition of sel, in input order.
// An empty or all-any selection passes every row.
func Apply(rows []model.SnapshotRow, sel Selection) ([]model.SnapshotRow, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	active := sel.Active()

	out := make([]model.SnapshotRow, 0, len(rows))
	for i := range rows {
		if matchesAll(&rows[i], active) {
			out = append(out, rows[i])
		}
	}
	return out, nil
}

// Matches reports whether r passes c. c must be valid.
func Matches(r *model.SnapshotRow, c Condition) bool {
	f, ok := Lookup(c.Field)
	if !ok {
		return false
	}
	switch c.Mode {
	case ModeAny:
		return true
	case ModeBucket:
		b, ok := f.Bucket(c.Bucket)
		if !ok {
			return false
		}
		if f.Kind == KindCategory {
			return f.category(r) == b.Value
		}
		v := f.Value(r)
		return v.Valid && b.Contains(v.Float64)
	case ModeRange:
		v := f.Value(r)
		if !v.Valid {
			return false
		}
		if c.Min.Valid {
			if f.MinInclusive && v.Float64 < c.Min.Float64 {
				return false
			}
			if !f.MinInclusive && v.Float64 <= c.Min.Float64 {
				return false
			}
		}
		if c.Max.Valid {
			if f.MaxInclusive && v.Float64 > c.Max.Float64 {
				return false
			}
			if !f.MaxInclusive && v.Float64 >= c.Max.Float64 {
				return false
			}
		}
		return true
	}
	return false
}

func matchesAll(r *model.SnapshotRow, conds []Condition) bool {
	for _, c := range conds {
		if !Matches(r, c) {
			return false
		}
	}
	return true
}
