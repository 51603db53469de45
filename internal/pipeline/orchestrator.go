// Package pipeline coordinates the background processing of one uploaded
// video: introspection artifacts in hand, it drives audio extraction,
// adaptive encoding, cloud backup and cleanup, emitting progress and
// tolerating partial failure.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvault/backend/config"
	"github.com/streamvault/backend/internal/media"
	"github.com/streamvault/backend/internal/models"
	"github.com/streamvault/backend/internal/store"
)

const (
	// trackUploadTimeout bounds a single audio-track upload.
	trackUploadTimeout = 30 * time.Second
	// trackGroupTimeout bounds the whole fan-out; on expiry settled
	// results are kept and pending ones are marked failed.
	trackGroupTimeout = 300 * time.Second
)

// Progress windows per phase, as fractions of the overall job.
const (
	extractEnd     = 20.0
	videoOnlyEnd   = 60.0
	encodeEnd      = 85.0
	audioStreamEnd = 95.0
)

// RecordStore is the slice of the video repository the orchestrator
// writes through. It is the sole writer for its video while running.
type RecordStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.VideoRecord, error)
	UpdateStorage(ctx context.Context, id uuid.UUID, rec models.StorageRecord) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.ProcessingStatus) error
	UpdateArtifacts(ctx context.Context, id uuid.UUID, artifacts models.StreamArtifacts) error
	UpdateLocalPath(ctx context.Context, id uuid.UUID, localPath string) error
}

// ObjectUploader is the chunked-store surface the pipeline needs.
type ObjectUploader interface {
	Upload(ctx context.Context, filePath, keyBase string) models.StorageRecord
	UploadSegments(ctx context.Context, dir, keyPrefix string) store.SegmentBackupResult
}

// AudioProcessor extracts tracks and builds per-track segmented streams.
type AudioProcessor interface {
	ExtractTracks(ctx context.Context, inputPath, outDir string, tracks []models.AudioStream, duration float64, progress media.ProgressFunc) []media.ExtractedAudio
	CreateAudioHLSStreams(ctx context.Context, extracted []media.ExtractedAudio, hlsAudioDir string, progress media.ProgressFunc) []media.AudioHLSStream
	CleanupAudioFiles(extracted []media.ExtractedAudio)
}

// StreamEncoder produces one adaptive ladder (optionally video-only).
type StreamEncoder interface {
	Encode(ctx context.Context, inputPath, outDir string, info models.MediaInfo, videoOnly bool, progress media.ProgressFunc) (media.EncodeResult, error)
}

// StatusNotifier pushes status snapshots to subscribed clients.
type StatusNotifier interface {
	PublishStatus(videoID uuid.UUID, status models.ProcessingStatus)
}

// Orchestrator runs the per-video processing state machine. At most one
// run is active per video id.
type Orchestrator struct {
	repo     RecordStore
	uploader ObjectUploader // nil when the object store is not configured
	audio    AudioProcessor
	encoder  StreamEncoder
	notifier StatusNotifier // optional
	cfg      config.MediaConfig
	logger   *zap.Logger

	itemTimeout  time.Duration
	groupTimeout time.Duration

	mu      sync.Mutex
	running map[uuid.UUID]bool
}

// New creates an orchestrator. uploader and notifier may be nil.
func New(repo RecordStore, uploader ObjectUploader, audio AudioProcessor, encoder StreamEncoder, notifier StatusNotifier, cfg config.MediaConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		repo:         repo,
		uploader:     uploader,
		audio:        audio,
		encoder:      encoder,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger,
		itemTimeout:  trackUploadTimeout,
		groupTimeout: trackGroupTimeout,
		running:      make(map[uuid.UUID]bool),
	}
}

// Run executes the full processing sequence for one video. Phase failures
// are recorded into the status errors and never abort later independent
// phases; the terminal Complete flag is always set at the end so polling
// clients never hang.
func (o *Orchestrator) Run(ctx context.Context, videoID uuid.UUID) error {
	o.mu.Lock()
	if o.running[videoID] {
		o.mu.Unlock()
		o.logger.Info("orchestration already running", zap.String("video_id", videoID.String()))
		return nil
	}
	o.running[videoID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, videoID)
		o.mu.Unlock()
	}()

	rec, err := o.repo.GetByID(ctx, videoID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	if rec.Status.Complete {
		// Complete is terminal: never reprocess or mutate further.
		return nil
	}

	run := &run{
		o:         o,
		ctx:       ctx,
		videoID:   videoID,
		rec:       rec,
		status:    rec.StatusSnapshot(),
		artifacts: rec.Artifacts,
		log:       o.logger.With(zap.String("video_id", videoID.String())),
	}
	run.execute()
	return nil
}

// run is one orchestration pass; it owns the status and artifacts for its
// video until Complete flips.
type run struct {
	o         *Orchestrator
	ctx       context.Context
	videoID   uuid.UUID
	rec       *models.VideoRecord
	status    models.ProcessingStatus
	artifacts models.StreamArtifacts
	log       *zap.Logger
	lastFlush float64
}

func (r *run) execute() {
	o := r.o
	multiAudio := r.rec.MultiAudio()
	videoHLSDir := filepath.Join(o.cfg.HLSDir, r.videoID.String())

	// Initial cloud upload of the original. Best-effort: failure leaves
	// the local file as the only copy and is not a pipeline error.
	r.primaryUpload()

	// Phase 1: audio extraction, multi-audio sources only.
	var extracted []media.ExtractedAudio
	if multiAudio {
		audioTmp := filepath.Join(o.cfg.TempDir, r.videoID.String(), "audio")
		extracted = o.audio.ExtractTracks(r.ctx, r.rec.LocalPath, audioTmp, r.rec.Metadata.Audio, r.rec.Metadata.Duration,
			r.remap(0, extractEnd))
		if len(extracted) < len(r.rec.Metadata.Audio) {
			r.recordError("audio extraction", fmt.Errorf("%d of %d tracks extracted", len(extracted), len(r.rec.Metadata.Audio)))
		}
	}

	// Phase 2: video-only encode, multi-audio sources only. Its master
	// manifest pairs with the per-track audio renditions at playback.
	if multiAudio {
		res, err := o.encoder.Encode(r.ctx, r.rec.LocalPath, filepath.Join(videoHLSDir, "video-only"), r.rec.Metadata, true,
			r.remap(extractEnd, videoOnlyEnd))
		if err != nil {
			r.recordError("video-only encode", err)
		} else {
			r.artifacts.VideoOnlyManifest = filepath.Join("video-only", filepath.Base(res.MasterManifest))
			r.flushArtifacts()
		}
	}

	// Phase 3: standard encode, always.
	encodeStart := 0.0
	if multiAudio {
		encodeStart = videoOnlyEnd
	}
	res, err := o.encoder.Encode(r.ctx, r.rec.LocalPath, videoHLSDir, r.rec.Metadata, false,
		r.remap(encodeStart, encodeEnd))
	encodeOK := err == nil
	if err != nil {
		// Playback degrades to the direct file stream.
		r.recordError("encode", err)
	} else {
		r.artifacts.MasterManifest = filepath.Base(res.MasterManifest)
		r.artifacts.Variants = res.Variants
		r.flushArtifacts()
	}

	// Phase 4: per-track segmented audio, only when tracks were extracted.
	var audioStreams []media.AudioHLSStream
	if len(extracted) > 0 {
		audioStreams = o.audio.CreateAudioHLSStreams(r.ctx, extracted, filepath.Join(videoHLSDir, "audio"),
			r.remap(encodeEnd, audioStreamEnd))
		if len(audioStreams) < len(extracted) {
			r.recordError("audio streams", fmt.Errorf("%d of %d segmented", len(audioStreams), len(extracted)))
		}
	}

	// Fan-out: each extracted track gets its own cloud copy, bounded per
	// item and as a group.
	trackStorage := r.uploadTracks(extracted)
	r.buildAudioArtifacts(extracted, audioStreams, trackStorage, videoHLSDir)

	// Phase 5: segment backup, only when the primary upload succeeded.
	if o.uploader != nil && o.cfg.BackupSegments && r.rec.Storage.Uploaded() && encodeOK {
		backup := o.uploader.UploadSegments(r.ctx, videoHLSDir, path.Join("videos", r.videoID.String(), "hls"))
		if backup.Skipped {
			r.log.Info("segment backup skipped", zap.String("reason", backup.Reason))
		}
		r.artifacts.SegmentsBackedUp = !backup.Skipped && backup.Failed == 0 && backup.Uploaded > 0
		r.flushArtifacts()
	}

	// Phase 6: local cleanup, driven by what actually reached the cloud.
	r.cleanup(extracted, videoHLSDir)

	r.status.Complete = true
	r.status.Stage = "complete"
	r.status.Percent = 100
	r.status.CurrentQuality = ""
	r.flushStatus(true)
	r.log.Info("processing complete", zap.Int("errors", len(r.status.Errors)))
}

// primaryUpload pushes the original into the chunked store and persists
// the resulting storage record. Cloud backup failure is non-critical: it
// is logged but not recorded as a pipeline error.
func (r *run) primaryUpload() {
	o := r.o
	if o.uploader == nil || r.rec.Storage.Uploaded() || r.rec.LocalPath == "" {
		return
	}
	r.setStage("uploading", 0)
	key := path.Join("videos", r.videoID.String(), "original"+filepath.Ext(r.rec.LocalPath))
	storageRec := o.uploader.Upload(r.ctx, r.rec.LocalPath, key)
	if !storageRec.Uploaded() {
		r.log.Warn("primary upload unavailable", zap.String("reason", storageRec.Reason))
	}
	r.rec.Storage = storageRec
	if err := o.repo.UpdateStorage(r.ctx, r.videoID, storageRec); err != nil {
		r.log.Error("persist storage record", zap.Error(err))
	}
}

// uploadTracks fans out the extracted audio files to the object store.
// Returns per-track storage records; pending uploads at group timeout are
// marked failed rather than left unresolved.
func (r *run) uploadTracks(extracted []media.ExtractedAudio) map[int]models.StorageRecord {
	o := r.o
	results := make(map[int]models.StorageRecord, len(extracted))
	if o.uploader == nil || len(extracted) == 0 || !r.rec.Storage.Uploaded() {
		return results
	}

	type outcome struct {
		idx int
		rec models.StorageRecord
	}
	ch := make(chan outcome, len(extracted))
	for _, track := range extracted {
		track := track
		go func() {
			itemCtx, cancel := context.WithTimeout(r.ctx, o.itemTimeout)
			defer cancel()
			key := path.Join("videos", r.videoID.String(), "audio", filepath.Base(track.Path))
			ch <- outcome{idx: track.Index, rec: o.uploader.Upload(itemCtx, track.Path, key)}
		}()
	}

	group := time.NewTimer(o.groupTimeout)
	defer group.Stop()
	for range extracted {
		select {
		case res := <-ch:
			results[res.idx] = res.rec
		case <-group.C:
			for _, track := range extracted {
				if _, ok := results[track.Index]; !ok {
					results[track.Index] = models.StorageRecord{
						Method: models.StorageNone,
						Reason: "upload group timeout",
					}
				}
			}
			r.recordError("audio upload", fmt.Errorf("group timeout after %s", o.groupTimeout))
			return results
		}
	}
	return results
}

func (r *run) buildAudioArtifacts(extracted []media.ExtractedAudio, streams []media.AudioHLSStream, storage map[int]models.StorageRecord, videoHLSDir string) {
	if len(extracted) == 0 {
		return
	}
	manifests := make(map[int]string, len(streams))
	for _, s := range streams {
		if rel, err := filepath.Rel(videoHLSDir, s.ManifestPath); err == nil {
			manifests[s.Index] = rel
		}
	}
	tracks := make([]models.AudioTrackArtifact, 0, len(extracted))
	for _, e := range extracted {
		rec, ok := storage[e.Index]
		if !ok {
			rec = models.StorageRecord{Method: models.StorageNone, Reason: "not uploaded"}
		}
		tracks = append(tracks, models.AudioTrackArtifact{
			Index:        e.Index,
			Language:     e.Language,
			Title:        e.Title,
			FilePath:     e.Path,
			ManifestPath: manifests[e.Index],
			Storage:      rec,
		})
	}
	r.artifacts.AudioTracks = tracks
	r.flushArtifacts()
}

// cleanup deletes the original upload once its cloud copy exists and the
// segment tree once its backup is confirmed; otherwise local files stay
// as the only copy. ForceCleanup overrides both guards.
func (r *run) cleanup(extracted []media.ExtractedAudio, videoHLSDir string) {
	o := r.o
	r.setStage("cleanup", audioStreamEnd)

	o.audio.CleanupAudioFiles(extracted)
	_ = os.RemoveAll(filepath.Join(o.cfg.TempDir, r.videoID.String()))

	if r.rec.Storage.Uploaded() || o.cfg.ForceCleanup {
		uploadDir := filepath.Join(o.cfg.UploadDir, r.videoID.String())
		if err := os.RemoveAll(uploadDir); err != nil {
			r.recordError("cleanup", fmt.Errorf("remove upload dir: %w", err))
		} else if err := o.repo.UpdateLocalPath(r.ctx, r.videoID, ""); err != nil {
			r.log.Error("clear local path", zap.Error(err))
		}
	}
	if r.artifacts.SegmentsBackedUp || o.cfg.ForceCleanup {
		if err := os.RemoveAll(videoHLSDir); err != nil {
			r.recordError("cleanup", fmt.Errorf("remove segment dir: %w", err))
		}
	}
}

// remap returns a progress callback that linearly interpolates a phase's
// 0-100 range into [from, to] of the overall job percentage.
func (r *run) remap(from, to float64) media.ProgressFunc {
	return func(percent float64, stage, detail string) {
		overall := from + percent*(to-from)/100
		if overall < r.status.Percent {
			overall = r.status.Percent
		}
		r.status.Stage = stage
		r.status.Percent = overall
		r.status.CurrentQuality = detail
		r.flushStatus(false)
	}
}

func (r *run) setStage(stage string, percent float64) {
	r.status.Stage = stage
	r.status.Percent = percent
	r.flushStatus(true)
}

func (r *run) recordError(phase string, err error) {
	r.log.Warn("phase failed", zap.String("phase", phase), zap.Error(err))
	r.status.Errors = append(r.status.Errors, fmt.Sprintf("%s: %v", phase, err))
	r.flushStatus(true)
}

// flushStatus persists and publishes the status. Progress ticks are
// throttled to whole-percent steps; force bypasses the throttle.
func (r *run) flushStatus(force bool) {
	if !force && r.status.Percent-r.lastFlush < 1 {
		return
	}
	r.lastFlush = r.status.Percent
	if err := r.o.repo.UpdateStatus(r.ctx, r.videoID, r.status); err != nil {
		r.log.Error("persist status", zap.Error(err))
	}
	if r.o.notifier != nil {
		snapshot := r.status
		snapshot.Errors = append([]string(nil), r.status.Errors...)
		r.o.notifier.PublishStatus(r.videoID, snapshot)
	}
}

func (r *run) flushArtifacts() {
	if err := r.o.repo.UpdateArtifacts(r.ctx, r.videoID, r.artifacts); err != nil {
		r.log.Error("persist artifacts", zap.Error(err))
	}
}
