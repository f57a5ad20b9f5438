package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative"
)

// DefaultCheckpointName is the checkpoints row used when none is configured.
const DefaultCheckpointName = "analysis"

// CheckpointStore keeps the batch checkpoint as one JSON row of the checkpoints table.
// An undecodable payload is copied to "<name>.corrupt" and the job starts fresh.
type CheckpointStore struct {
	Store *Store
	Name  string
	Now   func() time.Time
}

func (c *CheckpointStore) name() string {
	if c.Name == "" {
		return DefaultCheckpointName
	}
	return c.Name
}

func (c *CheckpointStore) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *CheckpointStore) Load(ctx context.Context) (*narrative.CheckpointRecord, error) {
	now := c.now()
	var payload string
	err := c.Store.DB.QueryRowContext(ctx, c.Store.rebind(`SELECT payload FROM checkpoints WHERE name = ?`), c.name()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		log.Info().Str("checkpoint", c.name()).Msg("no checkpoint found; starting fresh")
		return narrative.NewCheckpointRecord(now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", c.name(), err)
	}

	rec, err := narrative.DecodeCheckpoint([]byte(payload), now)
	if err != nil {
		aside := c.name() + ".corrupt"
		if perr := c.put(ctx, aside, payload, now); perr != nil {
			log.Warn().Err(perr).Str("checkpoint", aside).Msg("could not preserve corrupt checkpoint")
		}
		log.Warn().Err(err).Str("checkpoint", c.name()).Str("preserved", aside).Msg("checkpoint corrupt; starting fresh")
		return narrative.NewCheckpointRecord(now), nil
	}
	return rec, nil
}

func (c *CheckpointStore) Save(ctx context.Context, rec *narrative.CheckpointRecord) error {
	now := c.now().UTC()
	rec.LastUpdatedAt = now
	rec.Version = narrative.CheckpointVersion
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := c.put(ctx, c.name(), string(b), now); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", c.name(), err)
	}
	return nil
}

func (c *CheckpointStore) put(ctx context.Context, name, payload string, now time.Time) error {
	_, err := c.Store.DB.ExecContext(ctx, c.Store.rebind(`INSERT INTO checkpoints (name, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`),
		name, payload, now.UTC().Format(time.RFC3339Nano))
	return err
}
