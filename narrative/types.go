package narrative

import "time"

// ThemeID is the opaque catalog identifier of a theme.
type ThemeID string

// ThemeDefinition is one entry of the controlled theme vocabulary.
type ThemeDefinition struct {
	ID          ThemeID `json:"id"`
	Name        string  `json:"name"`
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description,omitempty"`
}

// ThemeUsage maps theme ids to the number of persisted results that reference them.
type ThemeUsage map[ThemeID]int

// AnalysisInput is one transcript to analyze.
type AnalysisInput struct {
	ItemID   string            `json:"item_id"`
	Label    string            `json:"label,omitempty"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DisplayLabel is what progress output shows for the item.
func (in AnalysisInput) DisplayLabel() string {
	if in.Label != "" {
		return in.Label
	}
	return in.ItemID
}

// Analysis is the service's answer before theme resolution. Themes are free-form labels.
type Analysis struct {
	Themes           []string `json:"themes"`
	Emotions         []string `json:"emotions"`
	Topics           []string `json:"topics"`
	Quotes           []string `json:"quotes"`
	Summary          string   `json:"summary"`
	Insights         []string `json:"insights"`
	CulturalElements []string `json:"cultural_elements"`
	SensitivityFlags []string `json:"sensitivity_flags"`
	ConfidenceScore  float64  `json:"confidence_score"`
	QualityScore     float64  `json:"quality_score"`
}

// AnalysisResult is the persisted, immutable outcome for one item. Re-analysis creates a
// new result rather than editing an old one.
type AnalysisResult struct {
	ID               string    `json:"id"`
	ItemID           string    `json:"item_id"`
	Themes           []ThemeID `json:"themes"`
	Emotions         []string  `json:"emotions,omitempty"`
	Topics           []string  `json:"topics,omitempty"`
	Quotes           []string  `json:"quotes,omitempty"`
	Summary          string    `json:"summary"`
	Insights         []string  `json:"insights,omitempty"`
	CulturalElements []string  `json:"cultural_elements,omitempty"`
	SensitivityFlags []string  `json:"sensitivity_flags,omitempty"`
	ConfidenceScore  float64   `json:"confidence_score"`
	QualityScore     float64   `json:"quality_score"`
	// RawThemes keeps the free-form labels the themes were resolved from.
	RawThemes []string  `json:"raw_themes,omitempty"`
	Fallback  bool      `json:"fallback,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
