package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/fileutils"
)

const resultFileSuffix = ".analysis.json"

// ResultFiles mirrors every saved result as <Dir>/<item_id>.analysis.json. A re-analysis
// replaces the file; the durable store keeps history.
type ResultFiles struct {
	Dir    string
	Pretty bool
}

func (r ResultFiles) SaveResult(ctx context.Context, res AnalysisResult) error {
	return fileutils.WriteJSONFileAtomic(r.Path(res.ItemID), res, r.Pretty)
}

// Path is where the result of itemID is written.
func (r ResultFiles) Path(itemID string) string {
	return filepath.Join(r.Dir, safeFileName(itemID)+resultFileSuffix)
}

// IndexRecord is one compact row of index.jsonl.
type IndexRecord struct {
	ItemID     string    `json:"item_id"`
	ResultID   string    `json:"result_id"`
	ResultPath string    `json:"result_path"`
	Themes     []ThemeID `json:"themes"`
	Emotions   []string  `json:"emotions,omitempty"`
	Topics     []string  `json:"topics,omitempty"`
	Summary    string    `json:"summary"`
	Confidence float64   `json:"confidence_score"`
	Fallback   bool      `json:"fallback,omitempty"`
	NeedReview bool      `json:"needs_review,omitempty"`
}

// IndexOptions bound the size of each index row.
type IndexOptions struct {
	SummaryMaxChars int
	ListMax         int
}

// BuildIndexRecord makes a trimmed, de-duplicated row for one result.
func BuildIndexRecord(res AnalysisResult, resultPath string, opt IndexOptions) IndexRecord {
	rec := IndexRecord{
		ItemID:     res.ItemID,
		ResultID:   res.ID,
		ResultPath: resultPath,
		Themes:     res.Themes,
		Emotions:   limitStrings(cleanStrings(res.Emotions), opt.ListMax),
		Topics:     limitStrings(cleanStrings(res.Topics), opt.ListMax),
		Summary:    strings.TrimSpace(res.Summary),
		Confidence: res.ConfidenceScore,
		Fallback:   res.Fallback,
	}
	for _, f := range res.SensitivityFlags {
		if f == FlagManualReview {
			rec.NeedReview = true
		}
	}
	if opt.SummaryMaxChars > 0 {
		rec.Summary = fileutils.Truncate(rec.Summary, opt.SummaryMaxChars)
	}
	return rec
}

// RebuildIndex rewrites <Dir>/index.jsonl from the result files, sorted by path. Files
// that fail to decode are skipped.
func (r ResultFiles) RebuildIndex(opt IndexOptions) (int, error) {
	var paths []string
	err := filepath.WalkDir(r.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(path), resultFileSuffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reindex: walk results: %w", err)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	n := 0
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var res AnalysisResult
		if err := json.Unmarshal(b, &res); err != nil {
			continue
		}
		line, err := json.Marshal(BuildIndexRecord(res, p, opt))
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		n++
	}
	indexPath := filepath.Join(r.Dir, "index.jsonl")
	if err := fileutils.WriteFileAtomicSameDir(indexPath, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}
	return n, nil
}

func limitStrings(in []string, n int) []string {
	if n <= 0 || len(in) <= n {
		return in
	}
	return in[:n]
}

// safeFileName keeps letters, digits, dash, underscore and dot; everything else becomes '_'.
func safeFileName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		return "_"
	}
	return s
}
