package narrative

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/fileutils"
	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/provider"
)

const (
	DefaultMaxTextChars = 12_000
	DefaultAvoidTopN    = 5
)

var analysisSchema = provider.GenerateSchema[Analysis]()

// Invoker runs one analysis call. Transport errors are returned as-is for the scheduler to
// classify; unparseable replies become a FallbackAnalysis.
type Invoker struct {
	Completer       provider.Completer
	MaxTextChars    int
	AvoidTopN       int
	MaxOutputTokens int
}

// Analyze returns the pre-resolution analysis of text. The bool reports whether the
// fallback was used.
func (inv Invoker) Analyze(ctx context.Context, text string, catalog *Catalog, usage ThemeUsage) (Analysis, bool, error) {
	if inv.Completer == nil {
		return Analysis{}, false, errors.New("invoker: completer is nil")
	}
	if catalog == nil || catalog.Len() == 0 {
		return Analysis{}, false, ErrEmptyCatalog
	}

	maxChars := inv.MaxTextChars
	if maxChars <= 0 {
		maxChars = DefaultMaxTextChars
	}
	avoidN := inv.AvoidTopN
	if avoidN == 0 {
		avoidN = DefaultAvoidTopN
	}
	maxTokens := inv.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 2500
	}

	input, truncated := buildAnalysisInput(text, catalog, catalog.MostUsed(usage, avoidN), maxChars)
	out, err := inv.Completer.Complete(ctx, provider.Request{
		Instructions:    analysisInstructions,
		Input:           input,
		SchemaName:      "NarrativeAnalysis",
		Schema:          analysisSchema,
		MaxOutputTokens: maxTokens,
	})
	if err != nil {
		return Analysis{}, false, err
	}

	var a Analysis
	if err := fileutils.DecodeModelJSON(out, &a); err != nil {
		log.Warn().
			Err(err).
			Bool("truncated", truncated).
			Str("reply", fileutils.Truncate(fileutils.SanitizeNewlines(out), 200)).
			Msg("analysis reply unparseable; using fallback")
		return FallbackAnalysis(text), true, nil
	}
	return normalizeAnalysis(a), false, nil
}

func normalizeAnalysis(a Analysis) Analysis {
	a.Summary = strings.TrimSpace(a.Summary)
	a.Themes = cleanStrings(a.Themes)
	a.Emotions = cleanStrings(a.Emotions)
	a.Topics = cleanStrings(a.Topics)
	a.Quotes = cleanStrings(a.Quotes)
	a.Insights = cleanStrings(a.Insights)
	a.CulturalElements = cleanStrings(a.CulturalElements)
	a.SensitivityFlags = cleanStrings(a.SensitivityFlags)
	a.ConfidenceScore = clamp01(a.ConfidenceScore)
	a.QualityScore = clamp01(a.QualityScore)
	return a
}

// cleanStrings trims, drops empties and removes case-insensitive duplicates, keeping order.
func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		k := strings.ToLower(s)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
