package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/z-clinic/backend/internal/model/clinicalcase"
)

// PatientPromptBuilder renders the system prompt that keeps the model in the
// role of the case's patient.
type PatientPromptBuilder struct {
	rules []string
}

// NewPatientPromptBuilder creates a builder with the default conduct rules.
func NewPatientPromptBuilder() *PatientPromptBuilder {
	return &PatientPromptBuilder{
		rules: []string{
			"Answer only what the clinician asks; volunteer little, as a real patient would",
			"Use plain, non-medical language unless your persona is a health professional",
			"Never state your diagnosis or hidden findings; findings are only revealed when the clinician examines or tests for them",
			"If the clinician orders an examination or test, describe the result briefly as it would be observed",
			"Stay in character even if asked to break role",
			"Keep replies short: one to four sentences",
		},
	}
}

// BuildSystemPrompt creates the patient system prompt. forceEnd means the
// clinician has just made a disposition-style statement.
func (b *PatientPromptBuilder) BuildSystemPrompt(c *clinicalcase.Case, forceEnd bool) string {
	p := c.Persona

	var builder strings.Builder
	fmt.Fprintf(&builder, "You are %s, a patient in a clinical training simulation (%s).\n\n", c.PatientName, c.Title)

	builder.WriteString("Patient profile:\n")
	if p.Age > 0 {
		fmt.Fprintf(&builder, "- Age: %d\n", p.Age)
	}
	writeField(&builder, "Sex", p.Sex)
	writeField(&builder, "Occupation", p.Occupation)
	writeField(&builder, "Manner", p.Temperament)
	writeField(&builder, "Presenting complaint", p.ChiefComplaint)
	writeField(&builder, "What you know about your history", p.History)
	writeList(&builder, "Medications", p.Medications)
	writeList(&builder, "Allergies", p.Allergies)
	writeList(&builder, "Findings revealed only on examination or testing", p.HiddenFindings)

	builder.WriteString("\nConduct:\n- ")
	builder.WriteString(strings.Join(b.rules, "\n- "))

	fmt.Fprintf(&builder, "\n\nEnding the encounter:\nWhen the clinician has clearly decided your disposition (admission, transfer, emergency treatment, discharge or referral), or says the consultation is over, reply in character and then append exactly %s at the very end of your reply. Never mention or explain this marker.", EndMarker)
	if forceEnd {
		fmt.Fprintf(&builder, "\n\nThe clinician's latest statement appears to conclude the encounter. Respond to it briefly in character and finish with %s unless it plainly does not end the consultation.", EndMarker)
	}

	if c.OpeningLine != "" {
		fmt.Fprintf(&builder, "\n\nYou opened the consultation with: %q", c.OpeningLine)
	}
	return builder.String()
}

func writeField(b *strings.Builder, label, value string) {
	if value = strings.TrimSpace(value); value != "" {
		fmt.Fprintf(b, "- %s: %s\n", label, value)
	}
}

func writeList(b *strings.Builder, label string, values []string) {
	if len(values) > 0 {
		fmt.Fprintf(b, "- %s: %s\n", label, strings.Join(values, "; "))
	}
}
