// Package ai provides response handling shared by analyzer backends:
// fence stripping and strict-JSON parsing with a defined fallback verdict.
package ai

import (
	"encoding/json"
	"strings"

	"github.com/resello/inspect3d/internal/domain"
)

// Fallback verdict used when the model response cannot be parsed. Not an
// error: the job continues with a conservative grade.
const (
	fallbackCondition  = domain.CondC
	fallbackAdjustment = -20
	fallbackConfidence = 0.5
)

// Defaults for individual fields missing from an otherwise valid response.
const (
	missingAdjustment = -20
	missingConfidence = 0.8
)

// ExtractJSON strips a wrapping markdown code fence (```json ... ``` or
// ``` ... ```) from a model response.
func ExtractJSON(raw string) string {
	text := strings.TrimSpace(raw)
	if i := strings.Index(text, "```json"); i >= 0 {
		text = text[i+len("```json"):]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
		return strings.TrimSpace(text)
	}
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+len("```"):]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
		return strings.TrimSpace(text)
	}
	return text
}

type verdictWire struct {
	Defects                    []domain.Defect `json:"defects"`
	OverallCondition           string          `json:"overall_condition"`
	RecommendedPriceAdjustment *int            `json:"recommended_price_adjustment"`
	AnalysisConfidence         *float64        `json:"analysis_confidence"`
}

// ParseVerdict turns a raw model response into an ImageVerdict. Unparseable
// responses yield the fallback verdict with Defaulted set so the path stays
// visible to callers and metrics.
func ParseVerdict(raw string) domain.ImageVerdict {
	var wire verdictWire
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &wire); err != nil {
		return domain.ImageVerdict{
			Defects:         []domain.Defect{},
			Condition:       fallbackCondition,
			PriceAdjustment: fallbackAdjustment,
			Confidence:      fallbackConfidence,
			Defaulted:       true,
			DefaultReason:   "json parse failed: " + err.Error(),
		}
	}
	v := domain.ImageVerdict{
		Defects:         wire.Defects,
		Condition:       domain.Condition(wire.OverallCondition),
		PriceAdjustment: missingAdjustment,
		Confidence:      missingConfidence,
	}
	if v.Defects == nil {
		v.Defects = []domain.Defect{}
	}
	if !v.Condition.Valid() {
		v.Condition = fallbackCondition
	}
	if wire.RecommendedPriceAdjustment != nil {
		v.PriceAdjustment = *wire.RecommendedPriceAdjustment
	}
	if wire.AnalysisConfidence != nil {
		v.Confidence = *wire.AnalysisConfidence
	}
	return v
}

// TrimWrappingQuotes removes one layer of wrapping double or single quotes
// from a generated description.
func TrimWrappingQuotes(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range []string{`"`, `'`} {
		if len(s) >= 2 && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			s = s[1 : len(s)-1]
		}
	}
	return s
}
