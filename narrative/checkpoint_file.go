package narrative

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/fileutils"
)

// FileCheckpointStore keeps the record as pretty JSON at Path, replaced atomically on
// every save. A file that cannot be decoded is copied to Path+".corrupt" and the job
// starts fresh.
type FileCheckpointStore struct {
	Path string
	Now  func() time.Time
}

func NewFileCheckpointStore(path string) *FileCheckpointStore {
	return &FileCheckpointStore{Path: path}
}

func (s *FileCheckpointStore) Load(ctx context.Context) (*CheckpointRecord, error) {
	now := nowFunc(s.Now)()
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Info().Str("path", s.Path).Msg("no checkpoint found; starting fresh")
		return NewCheckpointRecord(now), nil
	}
	if err != nil {
		log.Warn().Err(err).Str("path", s.Path).Msg("checkpoint unreadable; starting fresh")
		return NewCheckpointRecord(now), nil
	}

	rec, err := DecodeCheckpoint(data, now)
	if err != nil {
		aside := s.Path + ".corrupt"
		if _, cerr := fileutils.CopyFileIfExists(s.Path, aside, true); cerr != nil {
			log.Warn().Err(cerr).Str("path", aside).Msg("could not preserve corrupt checkpoint")
		}
		log.Warn().Err(err).Str("path", s.Path).Str("preserved", aside).Msg("checkpoint corrupt; starting fresh")
		return NewCheckpointRecord(now), nil
	}
	return rec, nil
}

func (s *FileCheckpointStore) Save(ctx context.Context, rec *CheckpointRecord) error {
	rec.LastUpdatedAt = nowFunc(s.Now)().UTC()
	rec.Version = CheckpointVersion
	if err := fileutils.WriteJSONFileAtomic(s.Path, rec, true); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
