package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
)

const (
	// sweepInterval is how often the sweeper scans for leftovers.
	sweepInterval = 15 * time.Minute
	// Age thresholds guard against deleting files for videos whose
	// processing is still in progress.
	uploadMaxAge = time.Hour
	tempMaxAge   = 30 * time.Minute

	recordLookupTimeout = 5 * time.Second
)

// RecordFinder is the read-only lookup the sweeper uses to recognize
// originals it must never delete.
type RecordFinder interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.VideoRecord, error)
}

// Sweeper periodically removes stale upload and temp files orphaned by
// interrupted runs. It is safe to run alongside active pipelines: only
// entries older than the per-directory age threshold are touched, and an
// upload directory whose record marks the original as the only remaining
// copy is kept regardless of age.
type Sweeper struct {
	uploadDir string
	tempDir   string
	records   RecordFinder // optional
	logger    *zap.Logger
}

// NewSweeper creates a sweeper over the shared upload and temp trees.
// records may be nil; then only the age thresholds apply.
func NewSweeper(uploadDir, tempDir string, records RecordFinder, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{uploadDir: uploadDir, tempDir: tempDir, records: records, logger: logger}
}

// Run blocks, sweeping on a fixed interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one pass over both trees.
func (s *Sweeper) Sweep() {
	s.sweepDir(s.uploadDir, uploadMaxAge, true)
	s.sweepDir(s.tempDir, tempMaxAge, false)
}

func (s *Sweeper) sweepDir(dir string, maxAge time.Duration, guardOriginals bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("sweep read dir", zap.String("dir", dir), zap.Error(err))
		}
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if newestMod(full).After(cutoff) {
			continue
		}
		if guardOriginals && s.retainedOriginal(entry.Name()) {
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			s.logger.Warn("sweep remove", zap.String("path", full), zap.Error(err))
			continue
		}
		s.logger.Info("swept stale entry", zap.String("path", full))
	}
}

// retainedOriginal reports whether the entry belongs to a video whose
// original file is the only copy left, which happens when the cloud
// upload failed. Lookup failures keep the entry, erring toward
// retention.
func (s *Sweeper) retainedOriginal(name string) bool {
	if s.records == nil {
		return false
	}
	id, err := uuid.Parse(name)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordLookupTimeout)
	defer cancel()
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false
		}
		s.logger.Warn("sweep record lookup failed, keeping entry", zap.String("video_id", name), zap.Error(err))
		return true
	}
	return !rec.Storage.Uploaded() && rec.LocalPath != ""
}

// newestMod returns the most recent modification time anywhere under
// path, so a directory with an active write inside is never considered
// stale.
func newestMod(path string) time.Time {
	var newest time.Time
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}
