package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
)

const (
	minScore = 0
	maxScore = 100
)

var (
	overallKeys     = []string{"overallScore", "overall_score", "overall", "score"}
	summaryKeys     = []string{"summary", "overallSummary", "feedback"}
	subscoreKeys    = []string{"subscores", "sub_scores", "domains", "categories"}
	strengthKeys    = []string{"strengths"}
	improvementKeys = []string{"improvements", "areasForImprovement", "areas_for_improvement", "weaknesses"}
)

// Normalize turns the generator's loosely typed extraction into Metrics.
// It never rejects: whatever parses is kept, the rest is listed in Problems,
// and Raw always carries the map as received.
func Normalize(raw map[string]any) encounter.Metrics {
	m := encounter.Metrics{Raw: raw}
	if len(raw) == 0 {
		m.Problems = append(m.Problems, "no structured metrics returned")
		return m
	}

	if value, key, ok := lookup(raw, overallKeys); ok {
		score, err := parseScore(value)
		if err != nil {
			m.Problems = append(m.Problems, fmt.Sprintf("%s: %v", key, err))
		} else {
			clamped := clampScore(score)
			if clamped != score {
				m.Problems = append(m.Problems, fmt.Sprintf("%s: %.2f out of range, clamped to %.0f", key, score, clamped))
			}
			m.OverallScore = clamped
			m.Scored = true
		}
	} else {
		m.Problems = append(m.Problems, "overall score missing")
	}

	if value, _, ok := lookup(raw, summaryKeys); ok {
		if s, isString := value.(string); isString && strings.TrimSpace(s) != "" {
			m.Summary = strings.TrimSpace(s)
		} else {
			m.Problems = append(m.Problems, "summary is not text")
		}
	} else {
		m.Problems = append(m.Problems, "summary missing")
	}

	if value, key, ok := lookup(raw, subscoreKeys); ok {
		m.Subscores = parseSubscores(key, value, &m.Problems)
	}
	if value, _, ok := lookup(raw, strengthKeys); ok {
		m.Strengths = parseStringList(value)
	}
	if value, _, ok := lookup(raw, improvementKeys); ok {
		m.Improvements = parseStringList(value)
	}

	m.Valid = len(m.Problems) == 0
	return m
}

func lookup(raw map[string]any, keys []string) (any, string, bool) {
	for _, key := range keys {
		if v, ok := raw[key]; ok && v != nil {
			return v, key, true
		}
	}
	return nil, "", false
}

// parseScore accepts numbers and numeric strings like "78", "78%" or "78/100".
func parseScore(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return checkFinite(v)
	case float32:
		return checkFinite(float64(v))
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		s := strings.TrimSpace(v)
		s = strings.TrimSuffix(s, "%")
		scale := 1.0
		if idx := strings.Index(s, "/"); idx > 0 {
			denominator, err := strconv.ParseFloat(strings.TrimSpace(s[idx+1:]), 64)
			if err != nil || denominator <= 0 {
				return 0, fmt.Errorf("unparseable score %q", v)
			}
			scale = maxScore / denominator
			s = s[:idx]
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("unparseable score %q", v)
		}
		return checkFinite(f * scale)
	default:
		return 0, fmt.Errorf("unsupported score type %T", value)
	}
}

func checkFinite(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("score is not finite")
	}
	return f, nil
}

func clampScore(v float64) float64 {
	if v < minScore {
		return minScore
	}
	if v > maxScore {
		return maxScore
	}
	return v
}

func parseSubscores(key string, value any, problems *[]string) map[string]float64 {
	obj, ok := value.(map[string]any)
	if !ok {
		*problems = append(*problems, key+" is not an object")
		return nil
	}

	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]float64, len(obj))
	for _, name := range names {
		score, err := parseScore(obj[name])
		if err != nil {
			*problems = append(*problems, fmt.Sprintf("%s.%s: %v", key, name, err))
			continue
		}
		clamped := clampScore(score)
		if clamped != score {
			*problems = append(*problems, fmt.Sprintf("%s.%s: %.2f out of range", key, name, score))
		}
		out[name] = clamped
	}
	return out
}

func parseStringList(value any) []string {
	switch v := value.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return append([]string(nil), v...)
	}
	return nil
}
