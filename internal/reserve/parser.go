// Package reserve crawls company financial summary pages for the latest
// reserve ratio (유보율) and writes it onto the fundamentals cache.
package reserve

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Status classifies the outcome for one ticker.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusNoData        Status = "no_data"
	StatusParseError    Status = "parse_error"
	StatusMarkerMissing Status = "marker_missing"
	StatusFetchFail     Status = "fetch_fail"
)

// Plausible reserve ratios in percent; anything outside is a neighbouring number.
const (
	minRatio = -1000.0
	maxRatio = 100000.0

	markerWindow = 3000
)

var (
	markers = []string{"자본유보율", "유보율"}

	numberRe = regexp.MustCompile(`-?\d+(?:,\d{3})*(?:\.\d+)?`)
	tagNumRe = regexp.MustCompile(`>\s*(-?\d+(?:,\d{3})*(?:\.\d+)?)\s*<`)
	nearRe   = regexp.MustCompile(`유보율[^0-9-]{0,30}(-?\d+(?:,\d{3})*(?:\.\d+)?)`)

	whitespace = regexp.MustCompile(`\s+`)
)

// Extract returns the latest reserve ratio found in page. The table row
// headed by a marker is preferred; pages without such a row fall back to
// scanning the markup around each marker. The first positive value wins,
// otherwise the first plausible one.
func Extract(page string) (float64, Status) {
	if v, st, ok := extractRow(page); ok {
		return v, st
	}
	return extractNearMarker(page)
}

func extractRow(page string) (float64, Status, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return 0, "", false
	}

	var cells []string
	found := false
	doc.Find("tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		head := strings.TrimSpace(tr.Find("th").First().Text())
		if !isMarker(head) {
			return true
		}
		found = true
		tr.Find("td").Each(func(_ int, td *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(td.Text()))
		})
		return false
	})
	if !found {
		return 0, "", false
	}

	blank := len(cells) > 0
	var raw []string
	for _, c := range cells {
		if c != "" && c != "-" {
			blank = false
		}
		raw = append(raw, numberRe.FindAllString(c, -1)...)
	}
	if blank {
		return 0, StatusNoData, true
	}
	if v, ok := pick(plausible(raw)); ok {
		return v, StatusSuccess, true
	}
	return 0, StatusParseError, true
}

func extractNearMarker(page string) (float64, Status) {
	var positions []int
	for _, m := range markers {
		if i := strings.Index(page, m); i >= 0 {
			positions = append(positions, i)
		}
	}
	if len(positions) == 0 {
		return 0, StatusMarkerMissing
	}

	var values []float64
	for _, i := range positions {
		snippet := page[max(0, i-markerWindow):min(len(page), i+markerWindow)]
		values = append(values, plausible(submatches(tagNumRe, snippet))...)
		values = append(values, plausible(submatches(nearRe, snippet))...)
	}
	if v, ok := pick(values); ok {
		return v, StatusSuccess
	}
	return 0, StatusParseError
}

func isMarker(s string) bool {
	for _, m := range markers {
		if s == m {
			return true
		}
	}
	return false
}

func submatches(re *regexp.Regexp, s string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

func plausible(raw []string) []float64 {
	var out []float64
	for _, s := range raw {
		v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil {
			continue
		}
		if v >= minRatio && v <= maxRatio {
			out = append(out, v)
		}
	}
	return out
}

func pick(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	for _, v := range values {
		if v > 0 {
			return v, true
		}
	}
	return values[0], true
}
