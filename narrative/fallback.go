package narrative

import (
	"fmt"
	"strings"
)

// Fallback placeholders used when the service reply cannot be parsed.
var (
	fallbackThemes = []string{"personal experience", "life story"}
	fallbackTopics = []string{"personal narrative"}
)

const (
	fallbackConfidence = 0.1
	fallbackQuality    = 0.0
	FlagManualReview   = "requires_manual_review"
)

// FallbackAnalysis is the deterministic low-confidence placeholder for text whose analysis
// could not be parsed. The same text always yields the same value.
func FallbackAnalysis(text string) Analysis {
	words := len(strings.Fields(text))
	return Analysis{
		Themes:           append([]string(nil), fallbackThemes...),
		Emotions:         []string{},
		Topics:           append([]string(nil), fallbackTopics...),
		Quotes:           []string{},
		Summary:          fmt.Sprintf("Personal narrative of %d words. Automated analysis was unavailable; manual review required.", words),
		Insights:         []string{},
		CulturalElements: []string{},
		SensitivityFlags: []string{FlagManualReview},
		ConfidenceScore:  fallbackConfidence,
		QualityScore:     fallbackQuality,
	}
}
