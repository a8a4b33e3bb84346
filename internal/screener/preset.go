package screener

import (
	"fmt"

	"github.com/guregu/null/v6"
)

// Preset is a named selection.
type Preset struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
	Selection   Selection `json:"selection"`
}

func presetOf(id, label, desc string, conds ...Condition) Preset {
	return Preset{ID: id, Label: label, Description: desc, Selection: Selection{}.With(conds...)}
}

var presets = []Preset{
	presetOf("deep_value", "Deep value", "Below 0.8x book, profitable, liquid",
		AtMost("pbr", 0.8),
		Between("eps_positive", null.FloatFrom(1), null.FloatFrom(1)),
		AtLeast("avg_value_20d", 5e8),
	),
	presetOf("rerating", "Re-rating", "Cheap on book near the 52w low with solid ROE",
		AtMost("pbr", 1.0),
		AtMost("pos_52w", 0.25),
		AtLeast("roe_proxy", 0.10),
	),
	presetOf("dividend_lowvol", "Dividend low-vol", "Yield of 3% or more with calm price action",
		AtLeast("div", 3.0),
		AtMost("vol_20d", 0.025),
		AtLeast("avg_value_20d", 3e8),
	),
	presetOf("momentum", "Momentum", "Above the 200-day average with positive 3m return",
		AtLeast("dist_sma200", 0),
		AtLeast("ret_3m", 0),
		AtLeast("avg_value_20d", 5e8),
	),
	presetOf("eps_growth_breakout", "EPS growth breakout", "Compounding earnings trading near the 52w high",
		AtLeast("eps_cagr_5y", 0.15),
		AtLeast("eps_yoy_q", 0.25),
		AtLeast("near_52w_high_ratio", 0.90),
	),
}

// Presets returns the built-in presets.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	for i, p := range presets {
		p.Selection = p.Selection.With()
		out[i] = p
	}
	return out
}

// PresetSelection returns a copy of the selection of preset id.
func PresetSelection(id string) (Selection, error) {
	for _, p := range presets {
		if p.ID == id {
			return p.Selection.With(), nil
		}
	}
	return nil, fmt.Errorf("unknown preset %q", id)
}

// Compose starts from the preset id, or from nothing when id is empty, and
// lets explicit conditions replace the preset's. Entries without a Field take
// their map key.
func Compose(id string, explicit Selection) (Selection, error) {
	base := Selection{}
	if id != "" {
		var err error
		if base, err = PresetSelection(id); err != nil {
			return nil, err
		}
	}
	for key, c := range explicit {
		if c.Field == "" {
			c.Field = key
		}
		base[key] = c
	}
	return base, nil
}
