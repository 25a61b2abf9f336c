package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-clinic/backend/internal/model/clinicalcase"
	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
)

func TestParseEvaluationFencedBlock(t *testing.T) {
	content := "Good history taking. You missed the ECG.\n\n```json\n{\"overallScore\": 72, \"summary\": \"Solid but slow\"}\n```"

	result, err := parseEvaluation(content)
	require.NoError(t, err)
	assert.Equal(t, "Good history taking. You missed the ECG.", result.Text)
	assert.Equal(t, float64(72), result.Metrics["overallScore"])
	assert.Equal(t, "Solid but slow", result.Metrics["summary"])
}

func TestParseEvaluationBareObject(t *testing.T) {
	result, err := parseEvaluation(`Nice work {"score": 90}`)
	require.NoError(t, err)
	assert.Equal(t, "Nice work", result.Text)
	assert.Equal(t, float64(90), result.Metrics["score"])
}

func TestParseEvaluationOnlyJSONUsesSummary(t *testing.T) {
	result, err := parseEvaluation(`{"overallScore": 55, "summary": "Needs a structured approach"}`)
	require.NoError(t, err)
	assert.Equal(t, "Needs a structured approach", result.Text)
}

func TestParseEvaluationWithoutMetrics(t *testing.T) {
	result, err := parseEvaluation("Good job")
	require.NoError(t, err)
	assert.Equal(t, "Good job", result.Text)
	assert.Nil(t, result.Metrics)
}

func TestParseEvaluationMalformedMetricsKeepsText(t *testing.T) {
	content := "Feedback here ```json\n{not json}\n```"
	result, err := parseEvaluation(content)
	require.NoError(t, err)
	assert.Equal(t, content, result.Text)
	assert.Nil(t, result.Metrics)
}

func TestParseEvaluationEmpty(t *testing.T) {
	_, err := parseEvaluation("   \n ")
	assert.ErrorIs(t, err, errEmptyEvaluation)
}

func TestFormatTranscript(t *testing.T) {
	c := clinicalcase.Seed()[0]
	history := []encounter.Turn{
		{Role: encounter.RolePatient, Content: "I have chest pain"},
		{Role: encounter.RoleClinician, Content: "When did it start?"},
		{Role: encounter.RoleClinician, Content: "   "},
	}
	decisions := []encounter.Decision{{Kind: encounter.DecisionTest, Content: "ECG"}}

	out := formatTranscript(&c, history, decisions)
	assert.Contains(t, out, "Patient: I have chest pain\n")
	assert.Contains(t, out, "Clinician: When did it start?\n")
	assert.Contains(t, out, "- [test] ECG")
	assert.Equal(t, 2, strings.Count(out, ": "), "blank turns are skipped")
}

func TestBuildEvaluatorPromptIncludesRubric(t *testing.T) {
	c := clinicalcase.Seed()[0]
	out := buildEvaluatorPrompt(&c)
	assert.Contains(t, out, c.Code)
	if c.Rubric != "" {
		assert.Contains(t, out, strings.TrimSpace(c.Rubric))
	}
	assert.Contains(t, out, "```json")
}
