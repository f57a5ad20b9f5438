package narrative

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CheckpointVersion is written into every saved record. Readers accept older and newer
// versions; unknown fields are ignored and missing optional fields default.
const CheckpointVersion = 1

// IDSet is a set of item ids that serializes as a sorted JSON array.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// CheckpointRecord is the durable progress of a batch job. Processed and Failed are
// disjoint; TotalCount never decreases within a run.
type CheckpointRecord struct {
	Version   int    `json:"version"`
	RunID     string `json:"run_id,omitempty"`
	Processed IDSet  `json:"processed"`
	Failed    IDSet  `json:"failed"`
	// LastErrors holds the final error text of each failed item.
	LastErrors    map[string]string `json:"last_errors,omitempty"`
	TotalCount    int               `json:"total_count"`
	StartedAt     time.Time         `json:"started_at"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
}

// NewCheckpointRecord returns an empty record started at now.
func NewCheckpointRecord(now time.Time) *CheckpointRecord {
	return &CheckpointRecord{
		Version:    CheckpointVersion,
		RunID:      uuid.NewString(),
		Processed:  IDSet{},
		Failed:     IDSet{},
		LastErrors: map[string]string{},
		StartedAt:  now.UTC(),
	}
}

// DecodeCheckpoint parses a stored record and fills defaults for fields it lacks.
func DecodeCheckpoint(data []byte, now time.Time) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Version > CheckpointVersion {
		log.Warn().Int("version", rec.Version).Int("supported", CheckpointVersion).Msg("checkpoint written by a newer version; reading known fields")
	}
	rec.normalize(now)
	return &rec, nil
}

// normalize fills defaults for fields an older record may lack and restores disjointness,
// preferring processed.
func (r *CheckpointRecord) normalize(now time.Time) {
	if r.Processed == nil {
		r.Processed = IDSet{}
	}
	if r.Failed == nil {
		r.Failed = IDSet{}
	}
	if r.LastErrors == nil {
		r.LastErrors = map[string]string{}
	}
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = now.UTC()
	}
	for id := range r.Processed {
		delete(r.Failed, id)
		delete(r.LastErrors, id)
	}
	if r.TotalCount < 0 {
		r.TotalCount = 0
	}
}

func (r *CheckpointRecord) MarkProcessed(id string) {
	r.Processed[id] = struct{}{}
	delete(r.Failed, id)
	delete(r.LastErrors, id)
}

func (r *CheckpointRecord) MarkFailed(id string, lastErr error) {
	if r.Processed.Has(id) {
		return
	}
	r.Failed[id] = struct{}{}
	if lastErr != nil {
		r.LastErrors[id] = lastErr.Error()
	}
}

// ObserveTotal raises TotalCount to n if n is larger.
func (r *CheckpointRecord) ObserveTotal(n int) {
	if n > r.TotalCount {
		r.TotalCount = n
	}
}

// Reconcile drops ids that are not part of allItemIDs and marks externallyCompleted ids
// as processed. Ids in externallyCompleted that are not in allItemIDs are ignored.
func (r *CheckpointRecord) Reconcile(allItemIDs, externallyCompleted []string) {
	all := NewIDSet(allItemIDs...)
	for id := range r.Processed {
		if !all.Has(id) {
			delete(r.Processed, id)
		}
	}
	for id := range r.Failed {
		if !all.Has(id) {
			delete(r.Failed, id)
		}
	}
	for id := range r.LastErrors {
		if !all.Has(id) {
			delete(r.LastErrors, id)
		}
	}
	for _, id := range externallyCompleted {
		if all.Has(id) {
			r.MarkProcessed(id)
		}
	}
}

// Clone returns a deep copy.
func (r *CheckpointRecord) Clone() *CheckpointRecord {
	c := *r
	c.Processed = NewIDSet(r.Processed.Sorted()...)
	c.Failed = NewIDSet(r.Failed.Sorted()...)
	c.LastErrors = make(map[string]string, len(r.LastErrors))
	for k, v := range r.LastErrors {
		c.LastErrors[k] = v
	}
	return &c
}

// CheckpointStore persists the single CheckpointRecord of a job. Load returns a fresh
// record when nothing usable is stored; an error means the backend itself is unreachable.
type CheckpointStore interface {
	Load(ctx context.Context) (*CheckpointRecord, error)
	Save(ctx context.Context, rec *CheckpointRecord) error
}

// MemoryCheckpointStore keeps the record in process. Saved records are copied.
type MemoryCheckpointStore struct {
	mu    sync.Mutex
	rec   *CheckpointRecord
	saves int
	Now   func() time.Time
}

func (m *MemoryCheckpointStore) Load(ctx context.Context) (*CheckpointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowFunc(m.Now)()
	if m.rec == nil {
		return NewCheckpointRecord(now), nil
	}
	rec := m.rec.Clone()
	rec.normalize(now)
	return rec, nil
}

func (m *MemoryCheckpointStore) Save(ctx context.Context, rec *CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.LastUpdatedAt = nowFunc(m.Now)().UTC()
	rec.Version = CheckpointVersion
	m.rec = rec.Clone()
	m.saves++
	return nil
}

// Saves reports how many times Save was called.
func (m *MemoryCheckpointStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func nowFunc(f func() time.Time) func() time.Time {
	if f != nil {
		return f
	}
	return time.Now
}
