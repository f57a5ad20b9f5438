package narrative

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// UsageSource recomputes per-theme usage from persisted results.
type UsageSource interface {
	ThemeUsage(ctx context.Context) (ThemeUsage, error)
}

// ResultSink persists one finished result together with its derived records.
type ResultSink interface {
	SaveResult(ctx context.Context, res AnalysisResult) error
}

// MultiSink writes to each sink in order and stops at the first error.
type MultiSink []ResultSink

func (m MultiSink) SaveResult(ctx context.Context, res AnalysisResult) error {
	for _, s := range m {
		if err := s.SaveResult(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

// Pipeline is the ItemProcessor of a batch: fresh usage, one analysis call, theme
// resolution, then persistence. Any error leaves nothing half-written that the
// checkpoint would consider done.
//
// A result whose save fails is held and saved again, unchanged, on the item's next
// attempt. Every sink therefore sees one result id per item and must treat an id it
// already holds as stored.
type Pipeline struct {
	Catalog  *Catalog
	Invoker  Invoker
	Resolver *Resolver
	Usage    UsageSource
	Sink     ResultSink
	Model    string

	Now   func() time.Time
	NewID func() string

	mu      sync.Mutex
	unsaved map[string]AnalysisResult
}

func (p *Pipeline) Process(ctx context.Context, item AnalysisInput) error {
	if p.Catalog == nil || p.Resolver == nil || p.Usage == nil || p.Sink == nil {
		return errors.New("pipeline: catalog, resolver, usage and sink are required")
	}
	if res, ok := p.takeUnsaved(item.ItemID); ok {
		log.Debug().Str("item_id", item.ItemID).Str("result_id", res.ID).Msg("retrying save of analyzed result")
		return p.save(ctx, res)
	}

	usage, err := p.Usage.ThemeUsage(ctx)
	if err != nil {
		return fmt.Errorf("theme usage: %w", err)
	}

	a, fallback, err := p.Invoker.Analyze(ctx, item.Text, p.Catalog, usage)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", item.ItemID, err)
	}
	themes := p.Resolver.Resolve(ctx, a.Themes, usage)

	newID := p.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	res := AnalysisResult{
		ID:               newID(),
		ItemID:           item.ItemID,
		Themes:           themes,
		Emotions:         a.Emotions,
		Topics:           a.Topics,
		Quotes:           a.Quotes,
		Summary:          a.Summary,
		Insights:         a.Insights,
		CulturalElements: a.CulturalElements,
		SensitivityFlags: a.SensitivityFlags,
		ConfidenceScore:  a.ConfidenceScore,
		QualityScore:     a.QualityScore,
		RawThemes:        a.Themes,
		Fallback:         fallback,
		Model:            p.Model,
		CreatedAt:        nowFunc(p.Now)().UTC(),
	}
	if err := p.save(ctx, res); err != nil {
		return err
	}
	log.Debug().
		Str("item_id", item.ItemID).
		Strs("raw_themes", a.Themes).
		Int("themes", len(themes)).
		Bool("fallback", fallback).
		Msg("result saved")
	return nil
}

func (p *Pipeline) save(ctx context.Context, res AnalysisResult) error {
	if err := p.Sink.SaveResult(ctx, res); err != nil {
		p.mu.Lock()
		if p.unsaved == nil {
			p.unsaved = make(map[string]AnalysisResult)
		}
		p.unsaved[res.ItemID] = res
		p.mu.Unlock()
		return fmt.Errorf("save result %s: %w", res.ItemID, err)
	}
	return nil
}

func (p *Pipeline) takeUnsaved(itemID string) (AnalysisResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.unsaved[itemID]
	if ok {
		delete(p.unsaved, itemID)
	}
	return res, ok
}
