package narrative

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResultFiles_SaveAndRebuildIndex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rf := ResultFiles{Dir: filepath.Join(dir, "out"), Pretty: true}
	ctx := context.Background()

	results := []AnalysisResult{
		{ID: "r2", ItemID: "b/2", Themes: []ThemeID{"t2"}, Summary: " second ", Emotions: []string{"Joy", "joy", " "}},
		{ID: "r1", ItemID: "a", Themes: []ThemeID{"t1"}, Summary: strings.Repeat("x", 50), SensitivityFlags: []string{FlagManualReview}, Fallback: true},
	}
	for _, r := range results {
		if err := rf.SaveResult(ctx, r); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}
	if _, err := os.Stat(filepath.Join(rf.Dir, "b_2.analysis.json")); err != nil {
		t.Fatalf("item id not sanitized into file name: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rf.Dir, "broken.analysis.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := rf.RebuildIndex(IndexOptions{SummaryMaxChars: 10, ListMax: 5})
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if n != 2 {
		t.Fatalf("indexed=%d, want 2", n)
	}

	f, err := os.Open(filepath.Join(rf.Dir, "index.jsonl"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer f.Close()
	var rows []IndexRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec IndexRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("index line: %v", err)
		}
		rows = append(rows, rec)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d", len(rows))
	}
	if rows[0].ItemID != "a" || !rows[0].NeedReview || !rows[0].Fallback {
		t.Fatalf("row0=%+v", rows[0])
	}
	if rows[0].Summary != strings.Repeat("x", 10)+"…" {
		t.Fatalf("summary not truncated: %q", rows[0].Summary)
	}
	if rows[1].Summary != "second" || len(rows[1].Emotions) != 1 {
		t.Fatalf("row1=%+v", rows[1])
	}
}

func TestResultFiles_OverwritesOnReanalysis(t *testing.T) {
	t.Parallel()

	rf := ResultFiles{Dir: t.TempDir()}
	ctx := context.Background()
	if err := rf.SaveResult(ctx, AnalysisResult{ID: "old", ItemID: "x"}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if err := rf.SaveResult(ctx, AnalysisResult{ID: "new", ItemID: "x"}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	b, err := os.ReadFile(rf.Path("x"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got AnalysisResult
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "new" {
		t.Fatalf("ID=%q", got.ID)
	}
}

func TestSafeFileName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"abc-1_2.x": "abc-1_2.x",
		"../etc":    "_etc",
		"a b/c":     "a_b_c",
		"..":        "_",
	}
	for in, want := range cases {
		if got := safeFileName(in); got != want {
			t.Fatalf("safeFileName(%q)=%q, want %q", in, got, want)
		}
	}
}
