package grading

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const rubricOutputSchema = `{
	"type": "object",
	"required": ["sections"],
	"properties": {
		"sections": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["criteria"],
				"properties": {"criteria": {"type": "array"}}
			}
		}
	}
}`

const taskOutputSchema = `{
	"type": "object",
	"required": ["tasks"],
	"properties": {
		"tasks": {"type": "array", "minItems": 1, "items": {"type": "object"}}
	}
}`

// Repair strategies, recorded on the extraction for diagnostics.
const (
	StrategyDirect        = "direct"
	StrategyBraceScan     = "brace_scan"
	StrategyTrailingComma = "trailing_comma"
)

// Extraction is a JSON object recovered from a model response.
type Extraction struct {
	Object   map[string]any
	JSON     string
	Repaired bool
	Strategy string
}

// Repairer extracts a JSON object from a possibly fenced or truncated response.
// Partial recoveries are accepted only when they keep the expected top-level shape.
type Repairer struct {
	mode   Mode
	shape  *jsonschema.Schema
	logger zerolog.Logger
}

// NewRepairer compiles the shape check for mode.
func NewRepairer(mode Mode, logger zerolog.Logger) (*Repairer, error) {
	source := rubricOutputSchema
	if mode == ModeTask {
		source = taskOutputSchema
	}

	url := fmt.Sprintf("mem://grading/%s_output.json", mode)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("add output schema: %w", err)
	}
	shape, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}

	return &Repairer{
		mode:   mode,
		shape:  shape,
		logger: logger.With().Str("component", "response_repairer").Logger(),
	}, nil
}

// Extract returns the first usable JSON object in raw.
func (r *Repairer) Extract(raw string) (Extraction, error) {
	text := stripThinking(stripFences(raw))

	start := strings.Index(text, "{")
	if start < 0 {
		return Extraction{}, &TruncationError{ParseErr: "no JSON object in response"}
	}
	candidate := text[start:]
	if end := strings.LastIndex(candidate, "}"); end >= 0 {
		candidate = candidate[:end+1]
	}

	obj, parseErr := decodeObject(candidate)
	if parseErr == nil {
		return Extraction{Object: obj, JSON: candidate, Strategy: StrategyDirect}, nil
	}

	// The tail may be cut mid-value; the region past the last brace in the full
	// text is scanned too so a truncated trailing object is seen as open.
	if extraction, ok := r.scanBraces(text[start:]); ok {
		r.logger.Warn().
			Int("original_length", len(text)-start).
			Int("recovered_length", len(extraction.JSON)).
			Msg("recovered truncated model response")
		return extraction, nil
	}

	stripped := stripTrailingCommas(candidate)
	if obj, err := decodeObject(stripped); err == nil {
		r.logger.Warn().Msg("recovered model response by removing trailing commas")
		return Extraction{Object: obj, JSON: stripped, Repaired: true, Strategy: StrategyTrailingComma}, nil
	}

	return Extraction{}, &TruncationError{ParseErr: parseErr.Error()}
}

// scanBraces walks every structural closing brace from right to left, cuts the text
// there and closes whatever is still open.
func (r *Repairer) scanBraces(text string) (Extraction, bool) {
	cuts := structuralBraces(text)
	for i := len(cuts) - 1; i >= 0; i-- {
		cut := cuts[i]
		repaired := text[:cut.pos+1] + closers(cut.open)
		obj, err := decodeObject(repaired)
		if err != nil {
			continue
		}
		if !r.hasShape(repaired) {
			continue
		}
		return Extraction{Object: obj, JSON: repaired, Repaired: true, Strategy: StrategyBraceScan}, true
	}
	return Extraction{}, false
}

func (r *Repairer) hasShape(doc string) bool {
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return false
	}
	return r.shape.Validate(v) == nil
}

type braceCut struct {
	pos  int
	open []byte
}

// structuralBraces returns each '}' outside string literals together with the
// containers still open after it.
func structuralBraces(text string) []braceCut {
	var (
		cuts     []braceCut
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) == 0 {
				return cuts
			}
			stack = stack[:len(stack)-1]
			if ch == '}' {
				open := make([]byte, len(stack))
				copy(open, stack)
				cuts = append(cuts, braceCut{pos: i, open: open})
			}
		}
	}
	return cuts
}

func closers(open []byte) string {
	var b strings.Builder
	for i := len(open) - 1; i >= 0; i-- {
		if open[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// stripTrailingCommas removes commas directly followed by a closing bracket,
// leaving string contents untouched.
func stripTrailingCommas(text string) string {
	var (
		b        strings.Builder
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			b.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
		}
		if ch == ',' {
			j := i + 1
			for j < len(text) && strings.ContainsRune(" \t\r\n", rune(text[j])) {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func decodeObject(text string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("response JSON is null")
	}
	return obj, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		first := text[:idx]
		if len(first) < 20 && !strings.Contains(first, " ") && !strings.Contains(first, "{") {
			text = text[idx+1:]
		}
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// stripThinking drops a <think> block that some local models emit before the answer.
func stripThinking(text string) string {
	start := strings.Index(text, "<think>")
	if start < 0 {
		return text
	}
	end := strings.Index(text, "</think>")
	if end < start {
		return text
	}
	return strings.TrimSpace(text[:start] + text[end+len("</think>"):])
}
