package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative"
)

// Store reads the catalog and transcripts and persists analysis results. It satisfies
// narrative.CatalogSource, narrative.UsageSource and narrative.ResultSink.
type Store struct {
	DB     *sql.DB
	Driver string
}

func New(db *sql.DB, driver string) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: db is nil")
	}
	driver, err := NormalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db, Driver: driver}, nil
}

// rebind rewrites '?' placeholders to $n for Postgres.
func (s *Store) rebind(q string) string {
	if s.Driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// Themes returns the catalog ordered by id, which is the enumeration order the resolver uses.
func (s *Store) Themes(ctx context.Context) ([]narrative.ThemeDefinition, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, category, description FROM themes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query themes: %w", err)
	}
	defer rows.Close()

	var out []narrative.ThemeDefinition
	for rows.Next() {
		var t narrative.ThemeDefinition
		var id string
		if err := rows.Scan(&id, &t.Name, &t.Category, &t.Description); err != nil {
			return nil, fmt.Errorf("scan theme: %w", err)
		}
		t.ID = narrative.ThemeID(id)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ThemeUsage counts, per theme, the results that reference it.
func (s *Store) ThemeUsage(ctx context.Context) (narrative.ThemeUsage, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT theme_id, COUNT(*) FROM analysis_result_themes GROUP BY theme_id`)
	if err != nil {
		return nil, fmt.Errorf("query theme usage: %w", err)
	}
	defer rows.Close()

	usage := narrative.ThemeUsage{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan theme usage: %w", err)
		}
		usage[narrative.ThemeID(id)] = n
	}
	return usage, rows.Err()
}

// Transcripts returns every transcript as an analysis input, ordered by id.
func (s *Store) Transcripts(ctx context.Context) ([]narrative.AnalysisInput, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, title, body, metadata FROM transcripts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var out []narrative.AnalysisInput
	for rows.Next() {
		var in narrative.AnalysisInput
		var meta string
		if err := rows.Scan(&in.ItemID, &in.Label, &in.Text, &meta); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		if meta = strings.TrimSpace(meta); meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &in.Metadata); err != nil {
				log.Warn().Err(err).Str("transcript_id", in.ItemID).Msg("ignoring unreadable transcript metadata")
				in.Metadata = nil
			}
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// AnalyzedTranscriptIDs lists transcripts that already have at least one result.
func (s *Store) AnalyzedTranscriptIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT transcript_id FROM analysis_results ORDER BY transcript_id`)
	if err != nil {
		return nil, fmt.Errorf("query analyzed transcripts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan analyzed transcript: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SaveResult writes the result, its theme links and one quote row per non-empty quote in
// a single transaction. Saving an id that is already stored is a no-op.
func (s *Store) SaveResult(ctx context.Context, res narrative.AnalysisResult) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	fallback := 0
	if res.Fallback {
		fallback = 1
	}
	inserted, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO analysis_results
		(id, transcript_id, summary, emotions, topics, insights, cultural_elements, sensitivity_flags,
		 raw_themes, confidence_score, quality_score, fallback, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		res.ID,
		res.ItemID,
		res.Summary,
		jsonList(res.Emotions),
		jsonList(res.Topics),
		jsonList(res.Insights),
		jsonList(res.CulturalElements),
		jsonList(res.SensitivityFlags),
		jsonList(res.RawThemes),
		res.ConfidenceScore,
		res.QualityScore,
		fallback,
		res.Model,
		res.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	var n int64
	if n, err = inserted.RowsAffected(); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if n == 0 {
		// Already stored by an earlier attempt; its themes and quotes are in place.
		log.Debug().Str("result_id", res.ID).Str("item_id", res.ItemID).Msg("result already stored")
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}

	for i, id := range res.Themes {
		if _, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO analysis_result_themes (result_id, theme_id, ord) VALUES (?, ?, ?)`),
			res.ID, string(id), i); err != nil {
			return fmt.Errorf("insert result theme: %w", err)
		}
	}

	ord := 0
	for _, q := range res.Quotes {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if _, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO quotes (id, result_id, transcript_id, ord, text) VALUES (?, ?, ?, ?, ?)`),
			uuid.NewString(), res.ID, res.ItemID, ord, q); err != nil {
			return fmt.Errorf("insert quote: %w", err)
		}
		ord++
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Result reads one result back by id, including its theme ids in resolved order.
func (s *Store) Result(ctx context.Context, id string) (narrative.AnalysisResult, error) {
	var res narrative.AnalysisResult
	var emotions, topics, insights, cultural, flags, raw, created string
	var fallback int
	err := s.DB.QueryRowContext(ctx, s.rebind(`SELECT id, transcript_id, summary, emotions, topics, insights,
		cultural_elements, sensitivity_flags, raw_themes, confidence_score, quality_score, fallback, model, created_at
		FROM analysis_results WHERE id = ?`), id).Scan(
		&res.ID, &res.ItemID, &res.Summary, &emotions, &topics, &insights,
		&cultural, &flags, &raw, &res.ConfidenceScore, &res.QualityScore, &fallback, &res.Model, &created,
	)
	if err != nil {
		return narrative.AnalysisResult{}, fmt.Errorf("query result %s: %w", id, err)
	}
	res.Emotions = parseList(emotions)
	res.Topics = parseList(topics)
	res.Insights = parseList(insights)
	res.CulturalElements = parseList(cultural)
	res.SensitivityFlags = parseList(flags)
	res.RawThemes = parseList(raw)
	res.Fallback = fallback != 0
	if t, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
		res.CreatedAt = t
	}

	rows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT theme_id FROM analysis_result_themes WHERE result_id = ? ORDER BY ord`), id)
	if err != nil {
		return narrative.AnalysisResult{}, fmt.Errorf("query result themes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			return narrative.AnalysisResult{}, fmt.Errorf("scan result theme: %w", err)
		}
		res.Themes = append(res.Themes, narrative.ThemeID(tid))
	}
	if err := rows.Err(); err != nil {
		return narrative.AnalysisResult{}, err
	}

	qrows, err := s.DB.QueryContext(ctx, s.rebind(`SELECT text FROM quotes WHERE result_id = ? ORDER BY ord`), id)
	if err != nil {
		return narrative.AnalysisResult{}, fmt.Errorf("query quotes: %w", err)
	}
	defer qrows.Close()
	for qrows.Next() {
		var q string
		if err := qrows.Scan(&q); err != nil {
			return narrative.AnalysisResult{}, fmt.Errorf("scan quote: %w", err)
		}
		res.Quotes = append(res.Quotes, q)
	}
	return res, qrows.Err()
}

func jsonList(in []string) string {
	if len(in) == 0 {
		return "[]"
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseList(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
