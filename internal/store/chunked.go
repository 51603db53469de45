// Package store adapts a per-object-limited blob backend into unbounded
// binary storage: files over the limit are split into ordered parts and
// reassembled on read.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
)

const (
	// uploadAttempts is the per-object retry ceiling.
	uploadAttempts = 3
	// retryBaseDelay is multiplied by the attempt number between retries.
	retryBaseDelay = 2 * time.Second

	// Bulk segment upload policy.
	segmentBatchSize      = 3
	segmentBatchDelay     = 3 * time.Second
	segmentRateLimitDelay = 45 * time.Second
	segmentCountCeiling   = 100
)

// ObjectAPI is the narrow surface the adapter needs from the blob backend.
// pkg/storage.S3 implements it.
type ObjectAPI interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, meta map[string]string) error
	GetObject(ctx context.Context, bucket, key, byteRange string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	HeadObject(ctx context.Context, bucket, key string) (int64, error)
}

// SegmentBackupResult reports the outcome of a bulk segment upload.
type SegmentBackupResult struct {
	Uploaded int
	Failed   int
	Skipped  bool
	Reason   string
}

// Adapter uploads and downloads files against a size-limited object store,
// chunking as needed and replicating to backup buckets best-effort.
type Adapter struct {
	api         ObjectAPI
	bucket      string
	backups     []string
	objectLimit int64
	retryBase   time.Duration
	logger      *zap.Logger
}

// NewAdapter creates a chunked-store adapter for the given primary bucket.
// objectLimit is the backend's hard per-object size ceiling in bytes.
func NewAdapter(api ObjectAPI, bucket string, backups []string, objectLimit int64, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		api:         api,
		bucket:      bucket,
		backups:     backups,
		objectLimit: objectLimit,
		retryBase:   retryBaseDelay,
		logger:      logger,
	}
}

// Upload stores filePath under keyBase. Files at or under the object limit
// become a single object; larger files are split into sequential parts of
// at most objectLimit bytes, the last possibly smaller. A failed primary
// upload does not return an error: it yields a StorageNone record carrying
// the reason, so the pipeline continues without cloud backup.
func (a *Adapter) Upload(ctx context.Context, filePath, keyBase string) models.StorageRecord {
	info, err := os.Stat(filePath)
	if err != nil {
		return models.StorageRecord{Method: models.StorageNone, Reason: fmt.Sprintf("stat: %v", err)}
	}
	size := info.Size()

	if size <= a.objectLimit {
		rec, err := a.uploadSingle(ctx, filePath, keyBase, size)
		if err != nil {
			a.logger.Warn("primary upload failed", zap.String("key", keyBase), zap.Error(err))
			return models.StorageRecord{Method: models.StorageNone, Reason: err.Error(), TotalSize: size}
		}
		a.replicate(filePath, keyBase, size)
		return rec
	}

	rec, err := a.uploadChunked(ctx, filePath, keyBase, size)
	if err != nil {
		a.logger.Warn("chunked upload failed", zap.String("key", keyBase), zap.Error(err))
		return models.StorageRecord{Method: models.StorageNone, Reason: err.Error(), TotalSize: size}
	}
	a.replicate(filePath, keyBase, size)
	return rec
}

func (a *Adapter) uploadSingle(ctx context.Context, filePath, key string, size int64) (models.StorageRecord, error) {
	sum, err := fileChecksum(filePath)
	if err != nil {
		return models.StorageRecord{}, fmt.Errorf("checksum: %w", err)
	}
	err = a.withRetry(ctx, func() error {
		f, err := os.Open(filePath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := a.api.PutObject(ctx, a.bucket, key, f, size, map[string]string{"checksum": sum}); err != nil {
			return err
		}
		return a.verifyObject(ctx, a.bucket, key, size)
	})
	if err != nil {
		return models.StorageRecord{}, err
	}
	return models.StorageRecord{
		Method:    models.StorageSingle,
		Object:    &models.ObjectRef{Bucket: a.bucket, Key: key, Size: size, Checksum: sum},
		TotalSize: size,
	}, nil
}

func (a *Adapter) uploadChunked(ctx context.Context, filePath, keyBase string, size int64) (models.StorageRecord, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return models.StorageRecord{}, err
	}
	defer f.Close()

	var parts []models.ObjectRef
	for seq := 1; ; seq++ {
		partSize := a.objectLimit
		remaining := size - int64(seq-1)*a.objectLimit
		if remaining <= 0 {
			break
		}
		if remaining < partSize {
			partSize = remaining
		}
		key := partKey(keyBase, seq)
		offset := int64(seq-1) * a.objectLimit
		err := a.withRetry(ctx, func() error {
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				return err
			}
			// Sequence number travels in the part metadata so a record
			// can be reassembled from a bucket listing alone.
			err := a.api.PutObject(ctx, a.bucket, key, io.LimitReader(f, partSize), partSize, map[string]string{
				"seq": strconv.Itoa(seq),
			})
			if err != nil {
				return err
			}
			return a.verifyObject(ctx, a.bucket, key, partSize)
		})
		if err != nil {
			return models.StorageRecord{}, fmt.Errorf("part %d: %w", seq, err)
		}
		parts = append(parts, models.ObjectRef{Bucket: a.bucket, Key: key, Size: partSize, Seq: seq})
	}
	return models.StorageRecord{
		Method:    models.StorageChunked,
		Parts:     parts,
		PartSize:  a.objectLimit,
		TotalSize: size,
	}, nil
}

// replicate fires backup-bucket uploads after a primary success. Outcomes
// are logged, never awaited, and never affect the returned record.
func (a *Adapter) replicate(filePath, keyBase string, size int64) {
	for _, backup := range a.backups {
		bucket := backup
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := a.putReplica(ctx, bucket, filePath, keyBase, size); err != nil {
				a.logger.Warn("backup replication failed", zap.String("bucket", bucket), zap.String("key", keyBase), zap.Error(err))
				return
			}
			a.logger.Info("backup replication done", zap.String("bucket", bucket), zap.String("key", keyBase))
		}()
	}
}

// putReplica mirrors the primary layout into a backup bucket: files over
// the object limit get the same part split and sequence metadata, so a
// replica can be reassembled the same way as the primary record.
func (a *Adapter) putReplica(ctx context.Context, bucket, filePath, keyBase string, size int64) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if size <= a.objectLimit {
		return a.api.PutObject(ctx, bucket, keyBase, f, size, nil)
	}
	for seq := 1; ; seq++ {
		offset := int64(seq-1) * a.objectLimit
		remaining := size - offset
		if remaining <= 0 {
			return nil
		}
		partSize := min(remaining, a.objectLimit)
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		err := a.api.PutObject(ctx, bucket, partKey(keyBase, seq), io.LimitReader(f, partSize), partSize, map[string]string{
			"seq": strconv.Itoa(seq),
		})
		if err != nil {
			return fmt.Errorf("part %d: %w", seq, err)
		}
	}
}

// Download reconstructs a record into destPath, streaming chunked parts in
// ascending sequence number.
func (a *Adapter) Download(ctx context.Context, rec models.StorageRecord, destPath string) error {
	if !rec.Uploaded() {
		return fmt.Errorf("record has no cloud copy")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	src, err := a.OpenRange(ctx, rec, 0, rec.TotalSize-1)
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("reassemble: %w", err)
	}
	return nil
}

// OpenRange opens a reader over [start, end] (inclusive) of the stored
// bytes, mapping the range onto the subset of parts that intersect it.
func (a *Adapter) OpenRange(ctx context.Context, rec models.StorageRecord, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start || end >= rec.TotalSize {
		return nil, fmt.Errorf("range %d-%d outside 0-%d", start, end, rec.TotalSize-1)
	}
	switch rec.Method {
	case models.StorageSingle:
		return a.api.GetObject(ctx, rec.Object.Bucket, rec.Object.Key, httpRange(start, end))
	case models.StorageChunked:
		slices := intersectParts(rec, start, end)
		return &partReader{ctx: ctx, api: a.api, slices: slices}, nil
	default:
		return nil, fmt.Errorf("record has no cloud copy")
	}
}

// DeleteObjects removes every object behind the record from the primary
// bucket. Backup replicas are deliberately left in place.
func (a *Adapter) DeleteObjects(ctx context.Context, rec models.StorageRecord) error {
	var errs []error
	switch rec.Method {
	case models.StorageSingle:
		if err := a.api.DeleteObject(ctx, rec.Object.Bucket, rec.Object.Key); err != nil {
			errs = append(errs, err)
		}
	case models.StorageChunked:
		for _, p := range rec.Parts {
			if err := a.api.DeleteObject(ctx, p.Bucket, p.Key); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// UploadSegments batches the files under dir into the store under
// keyPrefix. Batches of 3 with a 3s inter-batch delay; a rate-limit signal
// backs the whole operation off for 45s before continuing. When the
// candidate count exceeds the safety ceiling the operation is skipped
// outright rather than partially attempted.
func (a *Adapter) UploadSegments(ctx context.Context, dir, keyPrefix string) SegmentBackupResult {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return SegmentBackupResult{Skipped: true, Reason: fmt.Sprintf("walk: %v", err)}
	}
	if len(files) > segmentCountCeiling {
		a.logger.Info("segment backup skipped",
			zap.Int("count", len(files)), zap.Int("ceiling", segmentCountCeiling))
		return SegmentBackupResult{Skipped: true, Reason: fmt.Sprintf("too many objects: %d > %d", len(files), segmentCountCeiling)}
	}

	var res SegmentBackupResult
	for i, file := range files {
		if i > 0 && i%segmentBatchSize == 0 {
			if !sleepCtx(ctx, segmentBatchDelay) {
				// Files from i onward were never attempted.
				res.Failed += len(files) - i
				return res
			}
		}
		rel, relErr := filepath.Rel(dir, file)
		if relErr != nil {
			res.Failed++
			continue
		}
		key := path.Join(keyPrefix, filepath.ToSlash(rel))
		if err := a.putFile(ctx, file, key); err != nil {
			if errors.Is(err, models.ErrRateLimited) {
				a.logger.Warn("segment backup rate limited, backing off", zap.String("key", key))
				if !sleepCtx(ctx, segmentRateLimitDelay) {
					res.Failed += len(files) - i
					return res
				}
				err = a.putFile(ctx, file, key)
			}
			if err != nil {
				a.logger.Warn("segment upload failed", zap.String("key", key), zap.Error(err))
				res.Failed++
				continue
			}
		}
		res.Uploaded++
	}
	return res
}

func (a *Adapter) putFile(ctx context.Context, filePath, key string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return a.api.PutObject(ctx, a.bucket, key, f, info.Size(), nil)
}

// verifyObject confirms a just-written object is readable and has the
// expected size, so a truncated put counts as a failed attempt.
func (a *Adapter) verifyObject(ctx context.Context, bucket, key string, want int64) error {
	got, err := a.api.HeadObject(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("verify %s: %w", key, err)
	}
	if got != want {
		return fmt.Errorf("verify %s: stored %d bytes, want %d", key, got, want)
	}
	return nil
}

func (a *Adapter) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt < uploadAttempts {
			if !sleepCtx(ctx, a.retryBase*time.Duration(attempt)) {
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("after %d attempts: %w", uploadAttempts, err)
}

// partSlice is the portion of one part that a range request touches.
type partSlice struct {
	bucket string
	key    string
	start  int64 // offset within the part
	length int64
}

// intersectParts maps a byte range onto the parts that intersect it.
// Parts are assumed ordered by ascending Seq with fixed PartSize strides.
func intersectParts(rec models.StorageRecord, start, end int64) []partSlice {
	var out []partSlice
	var offset int64
	for _, p := range rec.Parts {
		partStart := offset
		partEnd := offset + p.Size - 1
		offset += p.Size
		if partEnd < start || partStart > end {
			continue
		}
		s := int64(0)
		if start > partStart {
			s = start - partStart
		}
		e := p.Size - 1
		if end < partEnd {
			e = end - partStart
		}
		out = append(out, partSlice{bucket: p.Bucket, key: p.Key, start: s, length: e - s + 1})
	}
	return out
}

// partReader concatenates ranged reads over consecutive part slices,
// opening each part lazily.
type partReader struct {
	ctx     context.Context
	api     ObjectAPI
	slices  []partSlice
	idx     int
	current io.ReadCloser
}

func (r *partReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.idx >= len(r.slices) {
				return 0, io.EOF
			}
			s := r.slices[r.idx]
			body, err := r.api.GetObject(r.ctx, s.bucket, s.key, httpRange(s.start, s.start+s.length-1))
			if err != nil {
				return 0, fmt.Errorf("open part %s: %w", s.key, err)
			}
			r.current = body
		}
		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			r.idx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *partReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}

func partKey(keyBase string, seq int) string {
	return fmt.Sprintf("%s.part%05d", keyBase, seq)
}

func httpRange(start, end int64) string {
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

func fileChecksum(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
