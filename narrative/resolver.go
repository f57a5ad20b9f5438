package narrative

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog/log"
)

// Match strategies, in priority order.
const (
	StrategyExact    = "exact"
	StrategyKeyword  = "keyword"
	StrategySemantic = "semantic"
	StrategyAssisted = "assisted"
)

// ThemePicker asks the language-analysis service to choose one catalog theme name for a
// label. It returns "" when the service finds no fit.
type ThemePicker interface {
	PickTheme(ctx context.Context, label string, catalog *Catalog) (string, error)
}

// ResolverOptions are the diversity knobs. They are tunable: no single threshold pair is
// authoritative.
type ResolverOptions struct {
	// OveruseThreshold: after the first accepted theme, candidates with usage above this are dropped.
	OveruseThreshold int
	// UnderuseThreshold: backfill draws from themes with usage strictly below this.
	UnderuseThreshold int
	// MinThemes is the backfill target.
	MinThemes int
	// MinAssistLabelLen: labels of this many runes or fewer never reach the assisted strategy.
	MinAssistLabelLen int
	// MinKeywordLen guards the "contained by name" and description checks against tiny labels.
	MinKeywordLen int
}

func DefaultResolverOptions() ResolverOptions {
	return ResolverOptions{
		OveruseThreshold:  10,
		UnderuseThreshold: 3,
		MinThemes:         2,
		MinAssistLabelLen: 3,
		MinKeywordLen:     3,
	}
}

// Resolver maps free-form labels onto catalog ids with a diversity correction.
type Resolver struct {
	Catalog *Catalog
	Groups  SemanticGroups
	// Assist is optional; nil disables the assisted strategy.
	Assist  ThemePicker
	Options ResolverOptions

	mu  sync.Mutex
	rng *rand.Rand
}

// NewResolver builds a resolver whose backfill draws are reproducible for a given seed.
func NewResolver(catalog *Catalog, groups SemanticGroups, assist ThemePicker, opts ResolverOptions, seed int64) *Resolver {
	return &Resolver{
		Catalog: catalog,
		Groups:  groups,
		Assist:  assist,
		Options: opts,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Candidate is the outcome of matching one label.
type Candidate struct {
	Label    string
	Theme    ThemeDefinition
	Strategy string
}

// Resolve returns de-duplicated catalog ids for labels, first-accepted-first, followed by
// any backfill.
func (r *Resolver) Resolve(ctx context.Context, labels []string, usage ThemeUsage) []ThemeID {
	var out []ThemeID
	accepted := make(map[ThemeID]struct{})

	for _, label := range labels {
		cand, ok := r.Match(ctx, label)
		if !ok {
			continue
		}
		id := cand.Theme.ID
		if _, dup := accepted[id]; dup {
			continue
		}
		// The first match is always admitted so every item keeps a theme.
		if len(out) > 0 && usage[id] > r.Options.OveruseThreshold {
			log.Debug().
				Str("label", label).
				Str("theme", cand.Theme.Name).
				Int("usage", usage[id]).
				Msg("theme skipped: overused")
			continue
		}
		accepted[id] = struct{}{}
		out = append(out, id)
	}

	if len(out) < r.Options.MinThemes {
		out = r.backfill(out, accepted, usage)
	}
	return out
}

// Match runs the strategies in priority order and stops at the first hit.
func (r *Resolver) Match(ctx context.Context, label string) (Candidate, bool) {
	label = strings.TrimSpace(label)
	if label == "" || r.Catalog == nil {
		return Candidate{}, false
	}
	if t, ok := r.Catalog.ByName(label); ok {
		return Candidate{Label: label, Theme: t, Strategy: StrategyExact}, true
	}
	norm := normalizeLabel(label)
	if norm == "" {
		return Candidate{}, false
	}
	if t, ok := r.matchKeyword(norm); ok {
		return Candidate{Label: label, Theme: t, Strategy: StrategyKeyword}, true
	}
	if t, ok := r.matchSemantic(norm); ok {
		return Candidate{Label: label, Theme: t, Strategy: StrategySemantic}, true
	}
	if t, ok := r.matchAssisted(ctx, label); ok {
		return Candidate{Label: label, Theme: t, Strategy: StrategyAssisted}, true
	}
	return Candidate{}, false
}

func (r *Resolver) matchKeyword(norm string) (ThemeDefinition, bool) {
	long := len([]rune(norm)) >= r.Options.MinKeywordLen
	for _, t := range r.Catalog.themes {
		name := normalizeLabel(t.Name)
		if name == "" {
			continue
		}
		if strings.Contains(norm, name) {
			return t, true
		}
		if !long {
			continue
		}
		if strings.Contains(name, norm) {
			return t, true
		}
		if desc := normalizeLabel(t.Description); desc != "" && strings.Contains(desc, norm) {
			return t, true
		}
	}
	return ThemeDefinition{}, false
}

func (r *Resolver) matchSemantic(norm string) (ThemeDefinition, bool) {
	for _, t := range r.Catalog.themes {
		for _, word := range r.Groups.Lookup(t.Name) {
			if semanticHit(norm, word) {
				return t, true
			}
		}
	}
	return ThemeDefinition{}, false
}

func (r *Resolver) matchAssisted(ctx context.Context, label string) (ThemeDefinition, bool) {
	if r.Assist == nil || len([]rune(label)) <= r.Options.MinAssistLabelLen {
		return ThemeDefinition{}, false
	}
	name, err := r.Assist.PickTheme(ctx, label, r.Catalog)
	if err != nil {
		log.Warn().Err(err).Str("label", label).Msg("assisted theme match failed")
		return ThemeDefinition{}, false
	}
	if name == "" {
		return ThemeDefinition{}, false
	}
	return r.Catalog.ByName(name)
}

func (r *Resolver) backfill(out []ThemeID, accepted map[ThemeID]struct{}, usage ThemeUsage) []ThemeID {
	var pool []ThemeDefinition
	for _, t := range r.Catalog.Underused(usage, r.Options.UnderuseThreshold) {
		if _, ok := accepted[t.ID]; !ok {
			pool = append(pool, t)
		}
	}
	r.mu.Lock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(1))
	}
	r.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	r.mu.Unlock()

	for _, t := range pool {
		if len(out) >= r.Options.MinThemes {
			break
		}
		accepted[t.ID] = struct{}{}
		out = append(out, t.ID)
	}
	return out
}

// normalizeLabel lowercases s, turns punctuation into spaces and collapses whitespace.
func normalizeLabel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// semanticHit matches a related word against a normalized label: a stem marked with a
// trailing '*' as a word prefix, anything else as whole words with an optional plural "s".
func semanticHit(norm, word string) bool {
	if stem, ok := strings.CutSuffix(word, "*"); ok {
		return containsWordPrefix(norm, normalizeLabel(stem))
	}
	return containsWord(norm, normalizeLabel(word))
}

// containsWord reports whether phrase occurs in s between word boundaries. A single
// trailing "s" still counts as the end of the phrase.
func containsWord(s, phrase string) bool {
	if phrase == "" {
		return false
	}
	for off := 0; off < len(s); {
		i := strings.Index(s[off:], phrase)
		if i < 0 {
			return false
		}
		at := off + i
		end := at + len(phrase)
		if end < len(s) && s[end] == 's' {
			end++
		}
		if (at == 0 || s[at-1] == ' ') && (end == len(s) || s[end] == ' ') {
			return true
		}
		off = at + 1
	}
	return false
}

// containsWordPrefix reports whether phrase occurs in s starting at a word boundary.
func containsWordPrefix(s, phrase string) bool {
	if phrase == "" {
		return false
	}
	for off := 0; off < len(s); {
		i := strings.Index(s[off:], phrase)
		if i < 0 {
			return false
		}
		at := off + i
		if at == 0 || s[at-1] == ' ' {
			return true
		}
		off = at + 1
	}
	return false
}
