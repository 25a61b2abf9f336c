package trigger

import (
	"strings"
	"unicode"
)

// DefaultPhrases is the global disposition/admission/emergency vocabulary.
var DefaultPhrases = []string{
	"heart attack",
	"admit you",
	"admitting you",
	"admission to",
	"call 911",
	"call an ambulance",
	"emergency department",
	"emergency room",
	"go to the er",
	"transfer to the icu",
	"transfer you to",
	"discharge you",
	"refer you to",
	"end the session",
	"end the encounter",
	"stroke protocol",
	"activate the code",
}

// Detector classifies clinician utterances as encounter-ending.
// The zero value never fires.
type Detector struct {
	phrases []string
}

// New builds a detector from phrases; blank phrases are dropped.
func New(phrases []string) *Detector {
	d := &Detector{}
	d.phrases = appendNormalized(nil, phrases)
	return d
}

// Default returns a detector over DefaultPhrases.
func Default() *Detector {
	return New(DefaultPhrases)
}

// With returns a copy of d extended with per-case phrases.
func (d *Detector) With(extra ...string) *Detector {
	out := &Detector{}
	if d != nil {
		out.phrases = append(out.phrases, d.phrases...)
	}
	out.phrases = appendNormalized(out.phrases, extra)
	return out
}

// Phrases returns the normalized vocabulary.
func (d *Detector) Phrases() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.phrases...)
}

// ShouldEnd reports whether utterance contains any trigger phrase. Matching is
// case-insensitive substring containment after punctuation is replaced by
// spaces, so "heart-attack symptoms" matches "heart attack". Empty input is
// simply false.
func (d *Detector) ShouldEnd(utterance string) bool {
	if d == nil || len(d.phrases) == 0 {
		return false
	}
	normalized := Normalize(utterance)
	if normalized == "" {
		return false
	}
	for _, phrase := range d.phrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	return false
}

var defaultDetector = Default()

// ShouldEnd runs the default vocabulary against utterance.
func ShouldEnd(utterance string) bool {
	return defaultDetector.ShouldEnd(utterance)
}

// Normalize case-folds text, turns punctuation and symbols into spaces and
// collapses runs of whitespace.
func Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}

// ParsePhrases splits a comma separated list, as found in TRIGGER_PHRASES.
func ParsePhrases(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendNormalized(dst []string, phrases []string) []string {
	for _, p := range phrases {
		if n := Normalize(p); n != "" {
			dst = append(dst, n)
		}
	}
	return dst
}
