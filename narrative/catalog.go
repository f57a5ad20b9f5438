package narrative

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmptyCatalog   = errors.New("theme catalog is empty")
	ErrDuplicateTheme = errors.New("duplicate theme in catalog")
)

// CatalogSource reads the controlled vocabulary and its historical usage.
type CatalogSource interface {
	Themes(ctx context.Context) ([]ThemeDefinition, error)
	ThemeUsage(ctx context.Context) (ThemeUsage, error)
}

// Catalog is a read-only, validated view over the theme vocabulary. Enumeration order is
// the order the themes were supplied in.
type Catalog struct {
	themes []ThemeDefinition
	byID   map[ThemeID]int
	byName map[string]int
}

// NewCatalog validates themes: ids must be unique and names unique case-insensitively.
func NewCatalog(themes []ThemeDefinition) (*Catalog, error) {
	if len(themes) == 0 {
		return nil, ErrEmptyCatalog
	}
	c := &Catalog{
		themes: make([]ThemeDefinition, 0, len(themes)),
		byID:   make(map[ThemeID]int, len(themes)),
		byName: make(map[string]int, len(themes)),
	}
	for _, t := range themes {
		t.Name = strings.TrimSpace(t.Name)
		if t.ID == "" || t.Name == "" {
			return nil, fmt.Errorf("theme %q/%q: id and name are required", t.ID, t.Name)
		}
		if _, ok := c.byID[t.ID]; ok {
			return nil, fmt.Errorf("%w: id %q", ErrDuplicateTheme, t.ID)
		}
		key := strings.ToLower(t.Name)
		if _, ok := c.byName[key]; ok {
			return nil, fmt.Errorf("%w: name %q", ErrDuplicateTheme, t.Name)
		}
		c.byID[t.ID] = len(c.themes)
		c.byName[key] = len(c.themes)
		c.themes = append(c.themes, t)
	}
	return c, nil
}

// LoadCatalog reads and validates the vocabulary from src.
func LoadCatalog(ctx context.Context, src CatalogSource) (*Catalog, error) {
	themes, err := src.Themes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return NewCatalog(themes)
}

func (c *Catalog) Len() int { return len(c.themes) }

// Themes returns a copy of the vocabulary in enumeration order.
func (c *Catalog) Themes() []ThemeDefinition {
	out := make([]ThemeDefinition, len(c.themes))
	copy(out, c.themes)
	return out
}

func (c *Catalog) ByID(id ThemeID) (ThemeDefinition, bool) {
	i, ok := c.byID[id]
	if !ok {
		return ThemeDefinition{}, false
	}
	return c.themes[i], true
}

// ByName finds a theme by case-insensitive name.
func (c *Catalog) ByName(name string) (ThemeDefinition, bool) {
	i, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ThemeDefinition{}, false
	}
	return c.themes[i], true
}

// MostUsed returns up to n theme names with usage > 0, highest count first, ties by name.
func (c *Catalog) MostUsed(usage ThemeUsage, n int) []string {
	if n <= 0 {
		return nil
	}
	type pair struct {
		name  string
		count int
	}
	var used []pair
	for _, t := range c.themes {
		if cnt := usage[t.ID]; cnt > 0 {
			used = append(used, pair{name: t.Name, count: cnt})
		}
	}
	sort.SliceStable(used, func(i, j int) bool {
		if used[i].count != used[j].count {
			return used[i].count > used[j].count
		}
		return strings.ToLower(used[i].name) < strings.ToLower(used[j].name)
	})
	if len(used) > n {
		used = used[:n]
	}
	out := make([]string, len(used))
	for i, p := range used {
		out[i] = p.name
	}
	return out
}

// Underused returns themes whose usage is strictly below threshold, in enumeration order.
func (c *Catalog) Underused(usage ThemeUsage, threshold int) []ThemeDefinition {
	var out []ThemeDefinition
	for _, t := range c.themes {
		if usage[t.ID] < threshold {
			out = append(out, t)
		}
	}
	return out
}
