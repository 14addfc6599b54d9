package rubric

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

var (
	letteredHeading = regexp.MustCompile(`(?i)^\s*(?:part|section|del)\s+([a-z])(?:\s*[:.)\-–]\s*(.*?)|\s*)\s*$`)
	numberedHeading = regexp.MustCompile(`^(\d{1,2})\.\s+(\S.*)$`)
	percentToken    = regexp.MustCompile(`(\d{1,3}(?:[.,]\d+)?)\s*%`)
	numberedLine    = regexp.MustCompile(`^\s*(?:\d{1,2}[.)]|[a-zA-Z][.)])\s+(\S.*)$`)
	colonLine       = regexp.MustCompile(`^\s*(\S.{0,98}?)\s*:\s*$`)
	leadingOrdinal  = regexp.MustCompile(`^\s*(?:[-*•]+|\(?\d{1,2}(?:\.\d{1,2})*[.)]|\(?[a-zA-Z][.)])\s*`)
)

const (
	trailingPunct = " \t:;,.-–—(["
	leadingPunct  = " \t:;,.-–—)]"
)

// Parser turns unstructured rubric text into a Tree.
type Parser struct {
	logger zerolog.Logger
}

// NewParser builds a parser that reports dropped lines through logger.
func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{logger: logger.With().Str("component", "rubric_parser").Logger()}
}

// Parse is a convenience wrapper around a parser without logging.
func Parse(text string) (Tree, error) {
	return NewParser(zerolog.Nop()).Parse(text)
}

type sectionSpan struct {
	heading  string
	fallback string
	lines    []string
	explicit bool
}

// Parse extracts sections and criteria from text. Weights that are not stated in
// the document are left unset for Normalize.
func (p *Parser) Parse(text string) (Tree, error) {
	lines := splitLines(text)
	if strings.TrimSpace(text) == "" {
		return Tree{}, &ParseError{Reason: "document is empty"}
	}

	spans := p.sectionSpans(lines)
	tree := Tree{Sections: make([]Section, 0, len(spans))}

	for _, span := range spans {
		name, weight := parseHeading(span.heading)
		if name == "" {
			name = span.fallback
		}

		criteria := p.extractCriteria(span.lines, name)
		if len(criteria) == 0 && span.explicit {
			criteria = []Criterion{{Name: name, Description: describe(span.lines)}}
		}
		for i := range criteria {
			criteria[i] = fitName(criteria[i])
		}
		if len(criteria) == 0 {
			p.logger.Warn().Str("section", name).Msg("section has no criteria, skipping")
			continue
		}

		tree.Sections = append(tree.Sections, Section{
			Name:     name,
			Weight:   weight,
			Criteria: criteria,
		})
	}

	if len(tree.Sections) == 0 {
		return Tree{}, &ParseError{Reason: "no criteria found in any section"}
	}

	p.logger.Debug().
		Int("sections", len(tree.Sections)).
		Int("criteria", tree.CriteriaCount()).
		Msg("rubric parsed")

	return tree, nil
}

func (p *Parser) sectionSpans(lines []string) []sectionSpan {
	if spans := splitOn(lines, func(line string) (string, string, bool) {
		m := letteredHeading.FindStringSubmatch(line)
		if m == nil {
			return "", "", false
		}
		letter := strings.ToUpper(m[1])
		return strings.TrimSpace(m[2]), "Part " + letter, true
	}); len(spans) > 0 {
		p.logger.Debug().Str("strategy", "lettered").Int("sections", len(spans)).Msg("section headings detected")
		return spans
	}

	if spans := splitOn(lines, func(line string) (string, string, bool) {
		m := numberedHeading.FindStringSubmatch(line)
		if m == nil {
			return "", "", false
		}
		return strings.TrimSpace(m[2]), "Section " + m[1], true
	}); len(spans) > 0 {
		p.logger.Debug().Str("strategy", "numbered").Int("sections", len(spans)).Msg("section headings detected")
		return spans
	}

	return []sectionSpan{{fallback: DefaultSectionName, lines: lines}}
}

func splitOn(lines []string, match func(string) (string, string, bool)) []sectionSpan {
	var spans []sectionSpan
	for _, line := range lines {
		if heading, fallback, ok := match(line); ok {
			spans = append(spans, sectionSpan{heading: heading, fallback: fallback, explicit: true})
			continue
		}
		if len(spans) == 0 {
			continue
		}
		current := &spans[len(spans)-1]
		current.lines = append(current.lines, line)
	}
	return spans
}

func parseHeading(heading string) (string, *float64) {
	heading = strings.TrimSpace(heading)
	if heading == "" {
		return "", nil
	}
	loc := percentToken.FindStringSubmatchIndex(heading)
	if loc == nil {
		return cleanName(heading), nil
	}
	value, ok := parsePercent(heading[loc[2]:loc[3]])
	name := cleanName(stripEmptyParens(heading[:loc[0]] + heading[loc[1]:]))
	if !ok {
		return name, nil
	}
	return name, Float(value)
}

func stripEmptyParens(s string) string {
	for _, pair := range []string{"()", "( )", "[]", "[ ]"} {
		s = strings.ReplaceAll(s, pair, "")
	}
	return s
}

func (p *Parser) extractCriteria(lines []string, section string) []Criterion {
	if criteria, found := p.percentCriteria(lines, section); found {
		return criteria
	}
	return listCriteria(lines)
}

// percentCriteria reports found=true whenever a percentage-bearing line exists,
// even if every such line was dropped, so the unweighted fallback is not used.
func (p *Parser) percentCriteria(lines []string, section string) ([]Criterion, bool) {
	var (
		criteria []Criterion
		found    bool
		current  *Criterion
		desc     []string
	)

	flush := func() {
		if current != nil {
			current.Description = joinDescription(current.Description, desc)
			criteria = append(criteria, *current)
		}
		current = nil
		desc = nil
	}

	for _, line := range lines {
		loc := percentToken.FindStringSubmatchIndex(line)
		if loc == nil {
			if current != nil {
				desc = append(desc, line)
			}
			continue
		}

		found = true
		flush()

		value, ok := parsePercent(line[loc[2]:loc[3]])
		name := cleanName(stripOrdinal(line[:loc[0]]))
		if !ok {
			p.logger.Warn().Str("section", section).Str("line", strings.TrimSpace(line)).Msg("percentage out of range, criterion dropped")
			continue
		}
		if name == "" {
			p.logger.Warn().Str("section", section).Str("line", strings.TrimSpace(line)).Msg("percentage line without a criterion name, dropped")
			continue
		}
		if isTotalLine(name) {
			continue
		}

		current = &Criterion{
			Name:        name,
			Weight:      Float(value),
			Description: strings.TrimLeft(strings.TrimSpace(line[loc[1]:]), leadingPunct),
		}
	}
	flush()

	return criteria, found
}

type listed struct {
	Criterion
	colon bool
}

func listCriteria(lines []string) []Criterion {
	var (
		items    []listed
		current  *listed
		desc     []string
		numbered bool
	)

	flush := func() {
		if current != nil {
			current.Description = joinDescription(current.Description, desc)
			items = append(items, *current)
		}
		current = nil
		desc = nil
	}

	for _, line := range lines {
		var name, rest string
		colon := false
		if m := numberedLine.FindStringSubmatch(line); m != nil {
			numbered = true
			name = m[1]
			if idx := strings.Index(name, ":"); idx > 0 && idx < len(name)-1 {
				rest = name[idx+1:]
				name = name[:idx]
			}
		} else if m := colonLine.FindStringSubmatch(line); m != nil {
			name = m[1]
			colon = true
		} else {
			if current != nil {
				desc = append(desc, line)
			}
			continue
		}

		flush()
		name = cleanName(name)
		if name == "" {
			continue
		}
		current = &listed{Criterion: Criterion{Name: name, Description: strings.TrimSpace(rest)}, colon: colon}
	}
	flush()

	// A bare "Criteria:" label above a numbered list is a caption, not a criterion.
	criteria := make([]Criterion, 0, len(items))
	for _, item := range items {
		if numbered && item.colon && item.Description == "" {
			continue
		}
		criteria = append(criteria, item.Criterion)
	}
	return criteria
}

func describe(lines []string) string {
	return joinDescription("", lines)
}

func joinDescription(first string, lines []string) string {
	parts := make([]string, 0, len(lines)+1)
	if first = strings.TrimSpace(first); first != "" {
		parts = append(parts, first)
	}
	for i, line := range lines {
		if i >= maxDescriptionLines {
			break
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return truncateRunes(strings.Join(parts, "\n"), maxDescriptionChars)
}

// fitName shortens a criterion name to maxCriterionNameChars, cutting at a word
// boundary where possible, and moves the remainder to the front of the description.
func fitName(c Criterion) Criterion {
	runes := []rune(c.Name)
	if len(runes) <= maxCriterionNameChars {
		return c
	}
	cut := maxCriterionNameChars
	for i := maxCriterionNameChars; i > maxCriterionNameChars/2; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	name := strings.TrimRight(strings.TrimSpace(string(runes[:cut])), trailingPunct)
	if name == "" {
		name = string(runes[:maxCriterionNameChars])
	}
	c.Name = name
	c.Description = joinDescription(string(runes[cut:]), []string{c.Description})
	return c
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}

func stripOrdinal(s string) string {
	return leadingOrdinal.ReplaceAllString(s, "")
}

func cleanName(s string) string {
	s = strings.TrimSpace(stripOrdinal(s))
	s = strings.TrimRight(s, trailingPunct)
	s = strings.TrimLeft(s, leadingPunct)
	return strings.Join(strings.Fields(s), " ")
}

func isTotalLine(name string) bool {
	switch strings.ToLower(name) {
	case "total", "sum", "i alt", "in total", "total weight":
		return true
	}
	return false
}

func parsePercent(raw string) (float64, bool) {
	value, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil || value <= 0 || value > 100 {
		return 0, false
	}
	return value, true
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}
