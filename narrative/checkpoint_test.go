package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestCheckpointRecord_MarkKeepsSetsDisjoint(t *testing.T) {
	t.Parallel()

	rec := NewCheckpointRecord(time.Now())
	rec.MarkFailed("a", errors.New("boom"))
	if !rec.Failed.Has("a") || rec.LastErrors["a"] != "boom" {
		t.Fatalf("after MarkFailed: %+v", rec)
	}
	rec.MarkProcessed("a")
	if rec.Failed.Has("a") || !rec.Processed.Has("a") || rec.LastErrors["a"] != "" {
		t.Fatalf("after MarkProcessed: %+v", rec)
	}
	rec.MarkFailed("a", errors.New("late"))
	if rec.Failed.Has("a") {
		t.Fatalf("processed item moved to failed")
	}
}

func TestCheckpointRecord_ObserveTotalNeverDecreases(t *testing.T) {
	t.Parallel()

	rec := NewCheckpointRecord(time.Now())
	rec.ObserveTotal(5)
	rec.ObserveTotal(2)
	if rec.TotalCount != 5 {
		t.Fatalf("TotalCount=%d, want 5", rec.TotalCount)
	}
}

func TestCheckpointRecord_Reconcile(t *testing.T) {
	t.Parallel()

	rec := NewCheckpointRecord(time.Now())
	rec.MarkProcessed("old")
	rec.MarkProcessed("a")
	rec.MarkFailed("stale", errors.New("x"))
	rec.MarkFailed("b", errors.New("y"))

	rec.Reconcile([]string{"a", "b", "c", "d"}, []string{"b", "d", "elsewhere"})

	if got := rec.Processed.Sorted(); !reflect.DeepEqual(got, []string{"a", "b", "d"}) {
		t.Fatalf("processed=%v", got)
	}
	if len(rec.Failed) != 0 {
		t.Fatalf("failed=%v", rec.Failed)
	}
	if len(rec.LastErrors) != 0 {
		t.Fatalf("last_errors=%v", rec.LastErrors)
	}
}

func TestFileCheckpointStore_MissingFileStartsFresh(t *testing.T) {
	t.Parallel()

	s := NewFileCheckpointStore(filepath.Join(t.TempDir(), "nested", "checkpoint.json"))
	rec, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.TotalCount != 0 || len(rec.Processed) != 0 || rec.StartedAt.IsZero() || rec.RunID == "" {
		t.Fatalf("fresh record=%+v", rec)
	}
}

func TestFileCheckpointStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "checkpoint.json")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &FileCheckpointStore{Path: path, Now: func() time.Time { return fixed }}

	rec := NewCheckpointRecord(fixed.Add(-time.Hour))
	rec.MarkProcessed("b")
	rec.MarkProcessed("a")
	rec.MarkFailed("c", errors.New("429"))
	rec.ObserveTotal(3)
	if err := s.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"processed": [`+"\n"+`    "a",`) {
		t.Fatalf("processed should be a sorted array:\n%s", b)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("leftover temp files: %v", entries)
	}

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.LastUpdatedAt.Equal(fixed) || got.Version != CheckpointVersion || got.RunID != rec.RunID {
		t.Fatalf("loaded=%+v", got)
	}
	if !reflect.DeepEqual(got.Processed.Sorted(), []string{"a", "b"}) || !got.Failed.Has("c") || got.TotalCount != 3 {
		t.Fatalf("loaded=%+v", got)
	}
	if got.LastErrors["c"] != "429" {
		t.Fatalf("last_errors=%v", got.LastErrors)
	}
}

func TestFileCheckpointStore_CorruptFilePreservedAndFresh(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, []byte(`{"processed": [`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec, err := NewFileCheckpointStore(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rec.Processed) != 0 || rec.TotalCount != 0 {
		t.Fatalf("expected fresh record, got %+v", rec)
	}
	b, err := os.ReadFile(path + ".corrupt")
	if err != nil {
		t.Fatalf("corrupt copy: %v", err)
	}
	if string(b) != `{"processed": [` {
		t.Fatalf("corrupt copy=%q", b)
	}
}

func TestFileCheckpointStore_ReadsOlderAndNewerShapes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	legacy := map[string]any{
		"processed":   []string{"a", "b"},
		"failed":      []string{"b", "c"},
		"total_count": 4,
		"future_hint": map[string]any{"x": 1},
		"version":     7,
	}
	b, _ := json.Marshal(legacy)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec, err := NewFileCheckpointStore(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.RunID == "" || rec.StartedAt.IsZero() || rec.LastErrors == nil {
		t.Fatalf("defaults not filled: %+v", rec)
	}
	if rec.Failed.Has("b") || !rec.Failed.Has("c") || rec.TotalCount != 4 {
		t.Fatalf("rec=%+v", rec)
	}
}

func TestMemoryCheckpointStore_CopiesOnSave(t *testing.T) {
	t.Parallel()

	m := &MemoryCheckpointStore{}
	rec, _ := m.Load(context.Background())
	rec.MarkProcessed("a")
	if err := m.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec.MarkProcessed("b")
	got, _ := m.Load(context.Background())
	if got.Processed.Has("b") {
		t.Fatalf("store aliases caller record")
	}
	if got.LastUpdatedAt.IsZero() {
		t.Fatalf("LastUpdatedAt not set")
	}
}
