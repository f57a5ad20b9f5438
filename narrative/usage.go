package narrative

import (
	"context"
	"sync"
)

// UsageTally is a goroutine-safe running count of theme references. It serves as both
// UsageSource and ResultSink for runs that do not persist to the datastore.
type UsageTally struct {
	mu     sync.Mutex
	counts ThemeUsage
	saved  map[string]struct{}
}

func NewUsageTally(seed ThemeUsage) *UsageTally {
	t := &UsageTally{counts: make(ThemeUsage, len(seed))}
	for id, n := range seed {
		if n > 0 {
			t.counts[id] = n
		}
	}
	return t
}

// Add bumps each distinct id once; repeated ids within one call count once, matching how
// a single result references a theme.
func (t *UsageTally) Add(ids []ThemeID) {
	if len(ids) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = make(ThemeUsage)
	}
	seen := make(map[ThemeID]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		t.counts[id]++
	}
}

// Snapshot returns a copy safe to hand to the resolver.
func (t *UsageTally) Snapshot() ThemeUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(ThemeUsage, len(t.counts))
	for id, n := range t.counts {
		out[id] = n
	}
	return out
}

func (t *UsageTally) Count(id ThemeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id]
}

func (t *UsageTally) ThemeUsage(context.Context) (ThemeUsage, error) { return t.Snapshot(), nil }

// SaveResult counts the result's resolved themes. A result id seen before is not counted
// again.
func (t *UsageTally) SaveResult(_ context.Context, res AnalysisResult) error {
	if res.ID != "" {
		t.mu.Lock()
		_, dup := t.saved[res.ID]
		if !dup {
			if t.saved == nil {
				t.saved = make(map[string]struct{})
			}
			t.saved[res.ID] = struct{}{}
		}
		t.mu.Unlock()
		if dup {
			return nil
		}
	}
	t.Add(res.Themes)
	return nil
}
