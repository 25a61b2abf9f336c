package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zhouzirui/z-clinic/backend/internal/model/clinicalcase"
	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
)

var errEmptyEvaluation = errors.New("evaluator returned empty output")

const evaluatorInstructions = `You are an attending physician assessing a trainee's simulated patient encounter.
Write concise feedback addressed to the trainee: what they did well, what they missed, and whether their disposition was safe.
After the feedback, append exactly one fenced json block with this shape:
` + "```json" + `
{"overallScore": <0-100>, "summary": "<one sentence>", "subscores": {"history": <0-100>, "reasoning": <0-100>, "communication": <0-100>, "management": <0-100>}, "strengths": ["..."], "improvements": ["..."]}
` + "```"

// buildEvaluatorPrompt 组装评估系统提示词，包含病例背景与评分要点。
func buildEvaluatorPrompt(c *clinicalcase.Case) string {
	var builder strings.Builder
	builder.WriteString(evaluatorInstructions)
	builder.WriteString("\n\n")

	fmt.Fprintf(&builder, "Case: %s (%s)\n", c.Title, c.Code)
	if c.Persona.ChiefComplaint != "" {
		fmt.Fprintf(&builder, "Chief complaint: %s\n", c.Persona.ChiefComplaint)
	}
	if c.Persona.History != "" {
		fmt.Fprintf(&builder, "Underlying history: %s\n", c.Persona.History)
	}
	if len(c.Persona.HiddenFindings) > 0 {
		fmt.Fprintf(&builder, "Findings available on examination: %s\n", strings.Join(c.Persona.HiddenFindings, "; "))
	}
	if rubric := strings.TrimSpace(c.Rubric); rubric != "" {
		builder.WriteString("Rubric:\n")
		builder.WriteString(rubric)
		builder.WriteString("\n")
	}
	return builder.String()
}

func formatTranscript(c *clinicalcase.Case, history []encounter.Turn, decisions []encounter.Decision) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Transcript for %s:\n", c.Code)
	if len(history) == 0 {
		builder.WriteString("(no conversation)\n")
	}
	for _, turn := range history {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		builder.WriteString(describeTurnRole(turn.Role))
		builder.WriteString(": ")
		builder.WriteString(content)
		builder.WriteString("\n")
	}

	if len(decisions) > 0 {
		builder.WriteString("\nRecorded decisions:\n")
		for _, d := range decisions {
			fmt.Fprintf(&builder, "- [%s] %s\n", d.Kind, strings.TrimSpace(d.Content))
		}
	}
	return builder.String()
}

// parseEvaluation splits the evaluator output into narrative and metrics.
// Missing or malformed metrics are tolerated; empty output is not.
func parseEvaluation(content string) (*encounter.GeneratedEvaluation, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, errEmptyEvaluation
	}

	narrative, block := splitMetricsBlock(trimmed)

	var metrics map[string]any
	if block != "" {
		if err := json.Unmarshal([]byte(block), &metrics); err != nil {
			log.Printf("[ai] evaluation metrics parse failed: %v", err)
			metrics = nil
			narrative = trimmed
		}
	}

	if narrative == "" {
		if summary, ok := metrics["summary"].(string); ok && strings.TrimSpace(summary) != "" {
			narrative = strings.TrimSpace(summary)
		} else {
			narrative = trimmed
		}
	}

	return &encounter.GeneratedEvaluation{Text: narrative, Metrics: metrics}, nil
}

// splitMetricsBlock 优先识别 ```json 代码块，否则回退到首尾花括号。
func splitMetricsBlock(text string) (narrative, block string) {
	const fence = "```"

	if start := strings.Index(text, fence+"json"); start != -1 {
		bodyStart := start + len(fence+"json")
		if end := strings.Index(text[bodyStart:], fence); end != -1 {
			block = strings.TrimSpace(text[bodyStart : bodyStart+end])
			rest := text[bodyStart+end+len(fence):]
			narrative = strings.TrimSpace(strings.TrimSpace(text[:start]) + "\n" + strings.TrimSpace(rest))
			return narrative, block
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return text, ""
	}
	block = text[start : end+1]
	narrative = strings.TrimSpace(strings.TrimSpace(text[:start]) + "\n" + strings.TrimSpace(text[end+1:]))
	return narrative, block
}
