package probe

import (
	"strconv"
	"strings"

	csvparser "statload/internal/parser/csv"
	"statload/internal/transformer/builtin"
)

// delimiterCandidates in preference order; ties keep the earlier one.
var delimiterCandidates = []rune{',', ';', '\t', '|'}

const delimiterSampleLines = 20

// DetectDelimiter scores each candidate on the sample lines.
//
// A candidate parses the sample into records; its score is the modal field
// count times the share of records having that count. Candidates whose modal
// count is 1 do not split anything and are ignored. Falls back to ','.
func DetectDelimiter(lines []string) rune {
	if len(lines) > delimiterSampleLines {
		lines = lines[:delimiterSampleLines]
	}
	sample := strings.Join(lines, "\n")

	best, bestScore := ',', 0.0
	for _, c := range delimiterCandidates {
		s := delimiterScore(sample, c)
		if s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

func delimiterScore(sample string, comma rune) float64 {
	cr := csvparser.NewReader(strings.NewReader(sample), comma)
	counts := map[int]int{}
	n := 0
	for {
		rec, err := cr.Read()
		if err != nil {
			break
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		counts[len(rec)]++
		n++
	}
	if n == 0 {
		return 0
	}

	mode, modeN := 0, 0
	for fields, k := range counts {
		if k > modeN || (k == modeN && fields > mode) {
			mode, modeN = fields, k
		}
	}
	if mode <= 1 {
		return 0
	}
	return float64(mode) * float64(modeN) / float64(n)
}

// isNumberCell reports a numeric cell. With labels=true, bare years and
// quarter labels count as labels, not numbers.
func isNumberCell(s string, labels bool) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if labels && (builtin.IsYear(s) || builtin.IsQuarter(s)) {
		return false
	}
	_, ok := builtin.ParseDecimal(s)
	return ok
}

// DetectHeader decides whether first is a header row given the data sample
// that follows it.
//
// A header has no numeric cell. It is accepted when there is no second row,
// when the second row has a numeric cell, or (all-text sheets) when no
// first-row value reappears in its column within the sample.
func DetectHeader(first []string, sample [][]string) bool {
	if len(first) == 0 {
		return false
	}
	for _, c := range first {
		if isNumberCell(c, true) {
			return false
		}
	}
	if len(sample) == 0 {
		return true
	}
	for _, c := range sample[0] {
		if isNumberCell(c, false) {
			return true
		}
	}
	for i, c := range first {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		for _, rec := range sample {
			if i < len(rec) && strings.TrimSpace(rec[i]) == c {
				return false
			}
		}
	}
	return true
}

// cleanHeaders trims names, fills blanks with Column_N and suffixes
// duplicates with _2, _3 in order of appearance. width pads the result.
func cleanHeaders(raw []string, width int) []string {
	out := make([]string, width)
	seen := map[string]int{}
	for i := 0; i < width; i++ {
		h := ""
		if i < len(raw) {
			h = strings.TrimSpace(strings.TrimPrefix(raw[i], "\ufeff"))
		}
		if h == "" {
			h = syntheticHeader(i)
		}
		base := h
		for seen[h] > 0 {
			seen[base]++
			h = base + "_" + strconv.Itoa(seen[base])
		}
		seen[h]++
		out[i] = h
	}
	return out
}

func syntheticHeaders(width int) []string {
	out := make([]string, width)
	for i := range out {
		out[i] = syntheticHeader(i)
	}
	return out
}

func syntheticHeader(i int) string { return "Column_" + strconv.Itoa(i+1) }
