package main

import (
	"context"
	"errors"
	"fmt"

	"KRScreener/internal/model"
	"KRScreener/internal/screener"
	"KRScreener/internal/store"
)

// screenSelection combines --preset and --query. A malformed query falls back
// the way the API does: to all-any, or to the preset alone when one is given.
// The returned warning is empty when the query parsed.
func screenSelection(preset, query string) (screener.Selection, string, error) {
	var explicit screener.Selection
	warning := ""
	if query != "" {
		var err error
		explicit, err = screener.ParseQuery(query)
		if errors.Is(err, screener.ErrMalformedQuery) {
			warning = err.Error()
			if preset != "" {
				explicit = nil
				warning += "; query conditions ignored, preset applied alone"
			}
		} else if err != nil {
			return nil, "", err
		}
	}
	sel, err := screener.Compose(preset, explicit)
	if err != nil {
		return nil, "", err
	}
	return sel, warning, nil
}

func parseKind(s string) (model.DataKind, error) {
	switch k := model.DataKind(s); k {
	case model.KindPrices, model.KindFundamentals:
		return k, nil
	}
	return "", fmt.Errorf("unknown kind %q (prices or fundamentals)", s)
}

// invalidateRange drops cached rows of kind inside r so the next collection
// fetches them again. No tickers means every ticker in the master.
func invalidateRange(ctx context.Context, st *store.Store, kind model.DataKind, r model.DateRange, tickers []string) (int, error) {
	if r.Empty() {
		return 0, fmt.Errorf("empty range %s", r)
	}
	if len(tickers) == 0 {
		master, err := st.ListTickers(ctx, false)
		if err != nil {
			return 0, err
		}
		for _, t := range master {
			tickers = append(tickers, t.Code)
		}
	}
	return st.Invalidate(ctx, kind, tickers, r)
}
