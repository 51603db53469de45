// Package playback resolves a playback request to the best available
// byte source, degrading between cloud storage, on-disk segments and the
// direct local file.
package playback

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
)

// StreamSource is a resolved playback response. Either Body is set (byte
// stream with range semantics already applied) or ManifestRedirect names
// a manifest the client should fetch for segment-by-segment delivery.
type StreamSource struct {
	ContentType      string
	Status           int // http.StatusOK or http.StatusPartialContent
	ContentLength    int64
	ContentRange     string // set for partial content
	AcceptRanges     bool
	Body             io.ReadCloser
	ManifestRedirect string // manifest path relative to the video's HLS root
}

// RangeOpener opens a byte range over a cloud storage record.
type RangeOpener interface {
	OpenRange(ctx context.Context, rec models.StorageRecord, start, end int64) (io.ReadCloser, error)
}

// Resolver picks a playback tier for a record, trying cloud object,
// local manifest and local file in order until one is viable.
type Resolver struct {
	opener             RangeOpener // nil when the object store is not configured
	hlsDir             string
	preferSegmentsOver int64
	logger             *zap.Logger
}

// NewResolver creates a resolver. preferSegmentsOver is the chunked-record
// size above which segmented delivery is preferred when a manifest exists.
func NewResolver(opener RangeOpener, hlsDir string, preferSegmentsOver int64, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		opener:             opener,
		hlsDir:             hlsDir,
		preferSegmentsOver: preferSegmentsOver,
		logger:             logger,
	}
}

// ResolveStream resolves a whole-file or ranged playback request against
// the record. Unsatisfiable ranges fall back to full content, never to an
// error.
func (r *Resolver) ResolveStream(ctx context.Context, rec *models.VideoRecord, rangeHeader string) (*StreamSource, error) {
	contentType := contentTypeFor(rec.OriginalName)

	// Tier 1: stream directly from the object store, unless a large
	// chunked record should go segmented for performance and a manifest
	// exists to serve it.
	var cloudErr error
	if r.opener != nil && rec.Storage.Uploaded() && !r.preferSegments(rec) {
		src, err := r.cloudSource(ctx, rec.Storage, contentType, rangeHeader)
		if err == nil {
			return src, nil
		}
		cloudErr = err
		r.logger.Warn("cloud stream unavailable, falling back",
			zap.String("video_id", rec.ID.String()), zap.Error(err))
	}

	// Tier 2: redirect to a local adaptive manifest.
	if manifest := r.localManifest(rec); manifest != "" {
		return &StreamSource{ManifestRedirect: manifest}, nil
	}

	// Tier 3: direct local file bytes.
	if rec.LocalPath != "" {
		if src, err := fileSource(rec.LocalPath, contentType, rangeHeader); err == nil {
			return src, nil
		}
	}

	// With no fallback tier, a throttled backend is a retryable
	// condition, not a missing stream.
	if errors.Is(cloudErr, models.ErrRateLimited) {
		return nil, cloudErr
	}
	return nil, models.ErrNotStreamable
}

// ResolveAudioTrack resolves a specific extracted track with the same
// tiering, plus a last-resort fallback to the main video's manifest so a
// missing alternate track never hard-errors while the main stream works.
func (r *Resolver) ResolveAudioTrack(ctx context.Context, rec *models.VideoRecord, trackIndex int, rangeHeader string) (*StreamSource, error) {
	var track *models.AudioTrackArtifact
	for i := range rec.Artifacts.AudioTracks {
		if rec.Artifacts.AudioTracks[i].Index == trackIndex {
			track = &rec.Artifacts.AudioTracks[i]
			break
		}
	}
	if track != nil {
		if r.opener != nil && track.Storage.Uploaded() {
			if src, err := r.cloudSource(ctx, track.Storage, "audio/mp4", rangeHeader); err == nil {
				return src, nil
			}
		}
		if track.ManifestPath != "" && r.manifestExists(rec.ID.String(), track.ManifestPath) {
			return &StreamSource{ManifestRedirect: track.ManifestPath}, nil
		}
		if track.FilePath != "" {
			if src, err := fileSource(track.FilePath, "audio/mp4", rangeHeader); err == nil {
				return src, nil
			}
		}
	}
	// Track entirely unavailable: fall back to the combined main stream.
	return r.ResolveStream(ctx, rec, rangeHeader)
}

// preferSegments reports whether a chunked cloud record should be served
// via its local manifest instead of part-by-part cloud reads.
func (r *Resolver) preferSegments(rec *models.VideoRecord) bool {
	if rec.Storage.Method != models.StorageChunked {
		return false
	}
	if r.preferSegmentsOver <= 0 || rec.Storage.TotalSize <= r.preferSegmentsOver {
		return false
	}
	return r.localManifest(rec) != ""
}

func (r *Resolver) cloudSource(ctx context.Context, storage models.StorageRecord, contentType, rangeHeader string) (*StreamSource, error) {
	size := storage.TotalSize
	br, partial := ParseRange(rangeHeader, size)
	if !partial {
		br = ByteRange{Start: 0, End: size - 1}
	}
	body, err := r.opener.OpenRange(ctx, storage, br.Start, br.End)
	if err != nil {
		return nil, err
	}
	src := &StreamSource{
		ContentType:   contentType,
		Status:        http.StatusOK,
		ContentLength: br.Length(),
		AcceptRanges:  true,
		Body:          body,
	}
	if partial {
		src.Status = http.StatusPartialContent
		src.ContentRange = br.ContentRange(size)
	}
	return src, nil
}

// localManifest returns the preferred manifest path for the record when
// it exists on disk: the standard master first, then video-only.
func (r *Resolver) localManifest(rec *models.VideoRecord) string {
	id := rec.ID.String()
	if m := rec.Artifacts.MasterManifest; m != "" && r.manifestExists(id, m) {
		return m
	}
	if m := rec.Artifacts.VideoOnlyManifest; m != "" && r.manifestExists(id, m) {
		return m
	}
	return ""
}

func (r *Resolver) manifestExists(videoID, manifestPath string) bool {
	_, err := os.Stat(filepath.Join(r.hlsDir, videoID, manifestPath))
	return err == nil
}

// fileSource opens a local file with range semantics applied.
func fileSource(path, contentType, rangeHeader string) (*StreamSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	br, partial := ParseRange(rangeHeader, size)
	if !partial {
		br = ByteRange{Start: 0, End: size - 1}
	}
	if _, err := f.Seek(br.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	src := &StreamSource{
		ContentType:   contentType,
		Status:        http.StatusOK,
		ContentLength: br.Length(),
		AcceptRanges:  true,
		Body:          &limitedFile{f: f, remaining: br.Length()},
	}
	if partial {
		src.Status = http.StatusPartialContent
		src.ContentRange = br.ContentRange(size)
	}
	return src, nil
}

// limitedFile reads at most remaining bytes from the underlying file.
type limitedFile struct {
	f         *os.File
	remaining int64
}

func (l *limitedFile) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.f.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedFile) Close() error { return l.f.Close() }

func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "video/mp4"
}
