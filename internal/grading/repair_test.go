package grading

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRepairer(t *testing.T, mode Mode) *Repairer {
	t.Helper()
	repairer, err := NewRepairer(mode, zerolog.Nop())
	require.NoError(t, err)
	return repairer
}

func TestExtractParsesFencedResponse(t *testing.T) {
	raw := "```json\n{\"student_label\": \"Alice\", \"sections\": [{\"name\": \"Content\", \"criteria\": []}]}\n```"

	extraction, err := newTestRepairer(t, ModeRubric).Extract(raw)
	require.NoError(t, err)
	require.False(t, extraction.Repaired)
	require.Equal(t, StrategyDirect, extraction.Strategy)
	require.Equal(t, "Alice", extraction.Object["student_label"])
}

func TestExtractIgnoresProseAroundObject(t *testing.T) {
	raw := "Here is the grading:\n{\"tasks\": [{\"name\": \"1\", \"points\": 3}]}\nLet me know if you need more."

	extraction, err := newTestRepairer(t, ModeTask).Extract(raw)
	require.NoError(t, err)
	require.Equal(t, StrategyDirect, extraction.Strategy)
}

func TestExtractRecoversFeedbackTruncatedMidString(t *testing.T) {
	raw := "```json\n" + `{"student_label":"Alice","sections":[` +
		`{"name":"Content","criteria":[{"name":"Argumentation","score":10,"feedback":"Clear thesis {well} argued."},{"name":"Use of sources","score":7,"feedback":"Two sources cited."}]},` +
		`{"name":"Form","criteria":[{"name":"Language","score":7,"feedback":"Few errors."},{"name":"Structure","score":4,"feedback":"Good structure but missing`

	extraction, err := newTestRepairer(t, ModeRubric).Extract(raw)
	require.NoError(t, err)
	require.True(t, extraction.Repaired)
	require.Equal(t, StrategyBraceScan, extraction.Strategy)

	out, err := DecodeRubricOutput(extraction.Object)
	require.NoError(t, err)
	require.Len(t, out.Sections, 2)
	require.Len(t, out.Sections[0].Criteria, 2)
	require.Equal(t, "Clear thesis {well} argued.", out.Sections[0].Criteria[0].Feedback)
	require.Len(t, out.Sections[1].Criteria, 1)
	require.Equal(t, "Language", out.Sections[1].Criteria[0].Name)
}

func TestExtractRejectsRepairWithoutSections(t *testing.T) {
	raw := `{"student_label":"Alice","meta":{"model":"x"},"sections":[{"name":"Content","criteria":[{"name":"A","score":`

	_, err := newTestRepairer(t, ModeRubric).Extract(raw)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnrecoverableTruncation))

	var truncation *TruncationError
	require.ErrorAs(t, err, &truncation)
	require.NotEmpty(t, truncation.ParseErr)
}

func TestExtractStripsTrailingCommasAsLastResort(t *testing.T) {
	extraction, err := newTestRepairer(t, ModeRubric).Extract(`{"student_label":"Bo","sections":[],}`)
	require.NoError(t, err)
	require.Equal(t, StrategyTrailingComma, extraction.Strategy)
	require.Equal(t, "Bo", extraction.Object["student_label"])
}

func TestExtractSkipsThinkingBlock(t *testing.T) {
	raw := `<think>the answer looks like {"tasks": []}</think>{"tasks":[{"name":"1","points":3}]}`

	extraction, err := newTestRepairer(t, ModeTask).Extract(raw)
	require.NoError(t, err)
	tasks := extraction.Object["tasks"].([]any)
	require.Len(t, tasks, 1)
}

func TestExtractFailsWithoutObject(t *testing.T) {
	_, err := newTestRepairer(t, ModeRubric).Extract("I am unable to grade this submission.")
	require.ErrorIs(t, err, ErrUnrecoverableTruncation)
}

func TestStripTrailingCommasKeepsStrings(t *testing.T) {
	require.Equal(t, `{"a":"x, }","b":[1,2]}`, stripTrailingCommas(`{"a":"x, }","b":[1,2,],}`))
}
