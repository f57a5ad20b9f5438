package narrative

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestNewCatalog_Validates(t *testing.T) {
	t.Parallel()

	if _, err := NewCatalog(nil); !errors.Is(err, ErrEmptyCatalog) {
		t.Fatalf("err=%v, want ErrEmptyCatalog", err)
	}
	_, err := NewCatalog([]ThemeDefinition{{ID: "a", Name: "Hope"}, {ID: "a", Name: "Loss"}})
	if !errors.Is(err, ErrDuplicateTheme) {
		t.Fatalf("duplicate id: err=%v", err)
	}
	_, err = NewCatalog([]ThemeDefinition{{ID: "a", Name: "Hope"}, {ID: "b", Name: " hope "}})
	if !errors.Is(err, ErrDuplicateTheme) {
		t.Fatalf("duplicate name: err=%v", err)
	}
	if _, err := NewCatalog([]ThemeDefinition{{ID: "a"}}); err == nil {
		t.Fatalf("expected error for missing name")
	}
}

func TestCatalog_Lookups(t *testing.T) {
	t.Parallel()

	c := exampleCatalog(t)
	if got, ok := c.ByName("  MIGRATION "); !ok || got.ID != "t3" {
		t.Fatalf("ByName=%v,%v", got, ok)
	}
	if got, ok := c.ByID("t2"); !ok || got.Name != "Family" {
		t.Fatalf("ByID=%v,%v", got, ok)
	}
	themes := c.Themes()
	themes[0].Name = "mutated"
	if c.Themes()[0].Name != "Resilience" {
		t.Fatalf("Themes returned an alias of internal state")
	}
}

func TestCatalog_MostUsedAndUnderused(t *testing.T) {
	t.Parallel()

	c := exampleCatalog(t)
	usage := ThemeUsage{"t1": 15, "t2": 15, "t3": 1}

	if got, want := c.MostUsed(usage, 2), []string{"Family", "Resilience"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("MostUsed=%v, want %v", got, want)
	}
	if got := c.MostUsed(ThemeUsage{}, 3); len(got) != 0 {
		t.Fatalf("MostUsed on empty usage=%v", got)
	}
	under := c.Underused(usage, 3)
	if len(under) != 1 || under[0].ID != "t3" {
		t.Fatalf("Underused=%v", under)
	}
}

type staticSource struct {
	themes []ThemeDefinition
	err    error
}

func (s staticSource) Themes(context.Context) ([]ThemeDefinition, error) { return s.themes, s.err }
func (s staticSource) ThemeUsage(context.Context) (ThemeUsage, error) { return ThemeUsage{}, nil }

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, err := LoadCatalog(ctx, staticSource{err: errors.New("db down")}); err == nil {
		t.Fatalf("expected source error")
	}
	if _, err := LoadCatalog(ctx, staticSource{}); !errors.Is(err, ErrEmptyCatalog) {
		t.Fatalf("err=%v, want ErrEmptyCatalog", err)
	}
	c, err := LoadCatalog(ctx, staticSource{themes: []ThemeDefinition{{ID: "x", Name: "Hope"}}})
	if err != nil || c.Len() != 1 {
		t.Fatalf("LoadCatalog=%v,%v", c, err)
	}
}

func TestUsageTally_AddCountsOncePerResult(t *testing.T) {
	t.Parallel()

	tally := NewUsageTally(ThemeUsage{"t1": 2, "t2": 0})
	tally.Add([]ThemeID{"t1", "t1", "t3", ""})
	if got := tally.Count("t1"); got != 3 {
		t.Fatalf("t1=%d, want 3", got)
	}
	snap := tally.Snapshot()
	if snap["t3"] != 1 {
		t.Fatalf("t3=%d, want 1", snap["t3"])
	}
	if _, ok := snap["t2"]; ok {
		t.Fatalf("zero seed counts should be dropped: %v", snap)
	}
	snap["t1"] = 100
	if tally.Count("t1") != 3 {
		t.Fatalf("Snapshot aliases internal state")
	}
}

func TestUsageTally_ActsAsSinkAndSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tally := NewUsageTally(nil)
	var sink ResultSink = tally
	var src UsageSource = tally
	if err := sink.SaveResult(ctx, AnalysisResult{ID: "r1", Themes: []ThemeID{"t1", "t2"}}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	got, err := src.ThemeUsage(ctx)
	if err != nil {
		t.Fatalf("ThemeUsage: %v", err)
	}
	if want := (ThemeUsage{"t1": 1, "t2": 1}); !reflect.DeepEqual(got, want) {
		t.Fatalf("usage=%v, want %v", got, want)
	}

	// Saving the same result again is not a new reference.
	if err := sink.SaveResult(ctx, AnalysisResult{ID: "r1", Themes: []ThemeID{"t1", "t2"}}); err != nil {
		t.Fatalf("SaveResult again: %v", err)
	}
	if tally.Count("t1") != 1 {
		t.Fatalf("t1=%d after repeated save, want 1", tally.Count("t1"))
	}
}
