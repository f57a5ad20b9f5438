package narrative

import "strings"

// SemanticGroups maps a canonical theme name (lowercase) to related words. A label that
// contains a related word as a whole word, or its plural, resolves to the catalog theme of
// that name. An entry ending in '*' is a stem ("immigra*") and matches any word it starts.
type SemanticGroups map[string][]string

// DefaultSemanticGroups covers the themes that recur across oral-history collections.
func DefaultSemanticGroups() SemanticGroups {
	return SemanticGroups{
		"resilience":        {"strength", "persever*", "surviv*", "overcom*", "endur*", "grit", "bounce back", "persist*", "hardship"},
		"family":            {"mother", "father", "parent", "sibling", "brother", "sister", "grandmother", "grandfather", "child", "children", "relative", "kinship", "ancestor", "household"},
		"migration":         {"immigra*", "emigra*", "moving", "relocat*", "new country", "refugee", "border", "diaspora", "displace*", "exile", "homeland"},
		"identity":          {"self", "belonging", "who i am", "heritage", "roots", "sense of self"},
		"community":         {"neighbo*", "together", "collective", "village", "solidarity", "mutual aid", "gathering"},
		"loss":              {"grief", "death", "mourning", "bereave*", "passed away", "losing", "funeral"},
		"education":         {"school", "learning", "teacher", "university", "college", "study", "literacy"},
		"work":              {"job", "employment", "labor", "labour", "career", "workplace", "wages", "factory"},
		"faith":             {"religio*", "spiritual*", "church", "mosque", "temple", "prayer", "belief", "god"},
		"justice":           {"rights", "activism", "protest", "discrimination", "equality", "injustice", "advocacy"},
		"health":            {"illness", "disease", "hospital", "healing", "wellbeing", "medical", "recovery"},
		"love":              {"romance", "partner", "marriage", "relationship", "affection", "wedding"},
		"culture":           {"tradition", "language", "custom", "ritual", "festival", "music", "cuisine", "food"},
		"hope":              {"optimism", "dream", "aspiration", "future", "possibility"},
		"trauma":            {"abuse", "violence", "war", "conflict", "fear", "ptsd"},
		"transformation":    {"change", "growth", "turning point", "becoming", "transition"},
		"home":              {"house", "hometown", "place", "land", "neighborhood"},
		"intergenerational": {"generation", "legacy", "passed down", "inheritance", "elders"},
	}
}

// Lookup returns the related words for a catalog theme name.
func (g SemanticGroups) Lookup(themeName string) []string {
	if g == nil {
		return nil
	}
	return g[strings.ToLower(strings.TrimSpace(themeName))]
}
