// Package classify suggests a dimension type for every column of an analysis.
//
// Each column is scored by an ordered list of rules (time, location,
// indicator value, indicator name, unit, additional). The strictly highest
// score wins; ties keep the earlier rule. Suggestions are never persisted
// here.
package classify

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"statload/internal/config"
	"statload/internal/model"
	"statload/internal/transformer/builtin"
)

// Score is one rule's opinion about a column.
type Score struct {
	Type       model.DimensionType
	Confidence float64
	Rule       string
	Rules      map[string]string
}

// sheet is the per-analysis context shared by the scorers.
type sheet struct {
	analysis model.CsvAnalysis
	timeF    []float64 // time value fraction per column
	locF     []float64 // location value fraction per column
	nameCol  int       // -1 when no column qualifies
}

type scorer func(c *Classifier, col model.CsvColumn, s *sheet) Score

// Rule names recorded in Rules["rule"].
const (
	RuleTimeValues     = "time_values"
	RuleTimeHeader     = "time_header"
	RuleLocationValues = "location_gazetteer"
	RuleLocationHeader = "location_header"
	RuleNumeric        = "numeric"
	RuleYearsAsColumns = "years_as_columns"
	RuleNameHeader     = "name_header"
	RuleNameUniqueness = "name_uniqueness"
	RuleUnit           = "unit"
	RuleAdditional     = "additional"
	RuleEmpty          = "empty"
)

var (
	timeKeywords     = []string{"year", "jahr", "date", "datum", "period", "time", "quarter", "quartal", "month", "monat"}
	locationKeywords = []string{"country", "region", "location", "city", "state", "land", "nation", "area", "bundesland", "gemeinde"}
	nameKeywords     = []string{"indicator", "name", "metric", "variable", "series", "measure", "indikator"}
	unitKeywords     = []string{"unit", "units", "einheit", "uom", "currency"}
)

// yearsAsColumnsCap bounds the confidence of numeric columns named by a period.
const yearsAsColumnsCap = 0.65

// Classifier holds the compiled vocabularies.
type Classifier struct {
	Threshold float64

	timeRe []*regexp.Regexp
	places map[string]bool
	units  map[string]bool
	rules  []scorer
}

// New builds a classifier from the configured patterns and vocabularies.
func New(cfg config.Config) (*Classifier, error) {
	c := &Classifier{
		Threshold: cfg.ConfidenceThreshold,
		places:    lowerSet(cfg.LocationPatterns),
		units:     lowerSet(cfg.UnitVocabulary),
		rules:     []scorer{scoreTime, scoreLocation, scoreValue, scoreName, scoreUnit, scoreAdditional},
	}
	for i, p := range cfg.TimePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, model.BadRequestWrap(err, "classify: timePatterns[%d]", i)
		}
		c.timeRe = append(c.timeRe, re)
	}
	return c, nil
}

func lowerSet(vs []string) map[string]bool {
	m := make(map[string]bool, len(vs))
	for _, v := range vs {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			m[v] = true
		}
	}
	return m
}

// Suggest returns one mapping per column, highest confidence first with
// column index breaking ties.
func (c *Classifier) Suggest(a model.CsvAnalysis) []model.ColumnMapping {
	s := c.newSheet(a)
	out := make([]model.ColumnMapping, 0, len(a.Columns))
	for _, col := range a.Columns {
		best := Score{Confidence: -1}
		for _, rule := range c.rules {
			if sc := rule(c, col, s); sc.Type != "" && sc.Confidence > best.Confidence {
				best = sc
			}
		}
		if best.Type == "" {
			continue
		}
		out = append(out, c.toMapping(a.ID, col.Index, best))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ColumnIndex < out[j].ColumnIndex
	})
	return out
}

func (c *Classifier) toMapping(analysisID string, col int, sc Score) model.ColumnMapping {
	rules := map[string]string{model.RuleName: sc.Rule}
	for k, v := range sc.Rules {
		rules[k] = v
	}
	conf := round(sc.Confidence)
	if conf < c.Threshold {
		rules[model.RuleLowConfidence] = "true"
	}
	return model.ColumnMapping{
		AnalysisID:     analysisID,
		ColumnIndex:    col,
		Type:           sc.Type,
		IsAutoDetected: true,
		Confidence:     conf,
		Rules:          rules,
	}
}

func (c *Classifier) newSheet(a model.CsvAnalysis) *sheet {
	s := &sheet{
		analysis: a,
		timeF:    make([]float64, len(a.Columns)),
		locF:     make([]float64, len(a.Columns)),
		nameCol:  -1,
	}
	for i, col := range a.Columns {
		s.timeF[i] = fraction(col.SampleValues, c.isTime)
		s.locF[i] = fraction(col.SampleValues, c.isPlace)
	}
	for i, col := range a.Columns {
		if col.DataType != model.DataTypeText {
			continue
		}
		if timeScore(s.timeF[i], col.Name) >= 0.5 || locationScore(s.locF[i], col.Name) >= 0.5 {
			continue
		}
		if c.unitMatch(col) {
			continue
		}
		s.nameCol = i
		break
	}
	return s
}

func (c *Classifier) isTime(v string) bool {
	if builtin.IsTimeLabel(v) {
		return true
	}
	for _, re := range c.timeRe {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

func (c *Classifier) isPlace(v string) bool {
	return c.places[strings.ToLower(model.NormalizeValue(v))]
}

func (c *Classifier) isUnit(v string) bool {
	return c.units[strings.ToLower(strings.TrimSpace(v))]
}

func (c *Classifier) unitMatch(col model.CsvColumn) bool {
	return headerHas(col.Name, unitKeywords) || (len(col.SampleValues) > 0 && fraction(col.SampleValues, c.isUnit) >= 0.5)
}

func timeScore(f float64, header string) float64 {
	s := 0.95 * f
	if headerHas(header, timeKeywords) {
		s = math.Max(s, 0.85)
	}
	return s
}

func locationScore(f float64, header string) float64 {
	s := 0.9 * f
	if headerHas(header, locationKeywords) {
		s = math.Max(s, 0.8)
	}
	return s
}

func scoreTime(c *Classifier, col model.CsvColumn, s *sheet) Score {
	f := s.timeF[col.Index]
	sc := timeScore(f, col.Name)
	if sc == 0 {
		return Score{}
	}
	rule := RuleTimeValues
	if 0.95*f < sc {
		rule = RuleTimeHeader
	}
	return Score{Type: model.Time, Confidence: sc, Rule: rule}
}

func scoreLocation(c *Classifier, col model.CsvColumn, s *sheet) Score {
	f := s.locF[col.Index]
	sc := locationScore(f, col.Name)
	if sc == 0 {
		return Score{}
	}
	rule := RuleLocationValues
	if 0.9*f < sc {
		rule = RuleLocationHeader
	}
	return Score{Type: model.Location, Confidence: sc, Rule: rule}
}

func scoreValue(c *Classifier, col model.CsvColumn, s *sheet) Score {
	if col.DataType != model.DataTypeNumeric {
		return Score{}
	}
	sc := 0.6 + 0.3*col.NumericRatio()
	if h := strings.TrimSpace(col.Name); s.analysis.HasHeader && isPeriodHeader(h) {
		return Score{
			Type:       model.IndicatorValue,
			Confidence: math.Min(sc, yearsAsColumnsCap),
			Rule:       RuleYearsAsColumns,
			Rules:      map[string]string{model.RuleTimeFromHeader: h},
		}
	}
	return Score{Type: model.IndicatorValue, Confidence: sc, Rule: RuleNumeric}
}

func isPeriodHeader(h string) bool {
	return builtin.IsYear(h) || builtin.IsQuarter(h) || (builtin.IsTimeLabel(h) && strings.ContainsAny(h, "0123456789"))
}

func scoreName(c *Classifier, col model.CsvColumn, s *sheet) Score {
	if col.Index != s.nameCol {
		return Score{}
	}
	if headerHas(col.Name, nameKeywords) {
		return Score{Type: model.IndicatorName, Confidence: 0.9, Rule: RuleNameHeader}
	}
	return Score{Type: model.IndicatorName, Confidence: 0.55 + 0.35*col.UniquenessRatio(), Rule: RuleNameUniqueness}
}

func scoreUnit(c *Classifier, col model.CsvColumn, s *sheet) Score {
	if col.DataType == model.DataTypeNumeric || !c.unitMatch(col) {
		return Score{}
	}
	return Score{Type: model.Unit, Confidence: 0.85, Rule: RuleUnit}
}

func scoreAdditional(c *Classifier, col model.CsvColumn, s *sheet) Score {
	switch col.DataType {
	case model.DataTypeText, model.DataTypeDate:
		return Score{Type: model.Additional, Confidence: 0.6, Rule: RuleAdditional}
	case model.DataTypeEmpty:
		return Score{Type: model.Additional, Confidence: 0.3, Rule: RuleEmpty}
	}
	return Score{}
}

// fraction returns the share of values matching pred, 0 for no values.
func fraction(vs []string, pred func(string) bool) float64 {
	if len(vs) == 0 {
		return 0
	}
	n := 0
	for _, v := range vs {
		if pred(v) {
			n++
		}
	}
	return float64(n) / float64(len(vs))
}

// headerHas matches whole words of the header, allowing a plural "s".
func headerHas(header string, keywords []string) bool {
	words := strings.FieldsFunc(strings.ToLower(header), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		for _, k := range keywords {
			if w == k || w == k+"s" {
				return true
			}
		}
	}
	return false
}

func round(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}

// Explain renders suggestions as "col name TYPE 0.90 rule" lines.
func Explain(a model.CsvAnalysis, ms []model.ColumnMapping) string {
	var b strings.Builder
	for _, m := range ms {
		name := ""
		if m.ColumnIndex < len(a.Headers) {
			name = a.Headers[m.ColumnIndex]
		}
		flag := ""
		if m.Rule(model.RuleLowConfidence) == "true" {
			flag = " low_confidence"
		}
		fmt.Fprintf(&b, "%-4d %-20s %-16s %.2f %s%s\n", m.ColumnIndex, name, m.Type, m.Confidence, m.Rule(model.RuleName), flag)
	}
	return b.String()
}
