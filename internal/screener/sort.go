package screener

import (
	"fmt"
	"sort"

	"KRScreener/internal/model"
)

// Sort orders rows in place by field. Null values sort last in both
// directions; ties keep ticker order.
func Sort(rows []model.SnapshotRow, field string, ascending bool) error {
	switch field {
	case "", "ticker":
		sort.SliceStable(rows, func(i, j int) bool {
			if ascending || field == "" {
				return rows[i].Ticker < rows[j].Ticker
			}
			return rows[i].Ticker > rows[j].Ticker
		})
		return nil
	case "name":
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].Name == rows[j].Name {
				return rows[i].Ticker < rows[j].Ticker
			}
			return (rows[i].Name < rows[j].Name) == ascending
		})
		return nil
	}

	f, ok := Lookup(field)
	if !ok || f.Kind != KindNumeric {
		return fmt.Errorf("%w: cannot sort by %q", ErrUnknownField, field)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := f.Value(&rows[i]), f.Value(&rows[j])
		switch {
		case !a.Valid && !b.Valid:
			return rows[i].Ticker < rows[j].Ticker
		case !a.Valid:
			return false
		case !b.Valid:
			return true
		case a.Float64 == b.Float64:
			return rows[i].Ticker < rows[j].Ticker
		case ascending:
			return a.Float64 < b.Float64
		default:
			return a.Float64 > b.Float64
		}
	})
	return nil
}
