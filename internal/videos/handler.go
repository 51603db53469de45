package videos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/media"
	"github.com/streamvault/backend/internal/models"
	"github.com/streamvault/backend/internal/playback"
	"github.com/streamvault/backend/pkg/queue"
	"github.com/streamvault/backend/pkg/response"
)

// allowedExtensions are the accepted upload container types.
var allowedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".webm": true,
}

const maxUploadMemory = 32 << 20

// Prober is the introspection surface the upload path needs.
type Prober interface {
	Probe(ctx context.Context, filePath string) (models.MediaInfo, error)
}

// ObjectPurger deletes the cloud objects behind a storage record.
type ObjectPurger interface {
	DeleteObjects(ctx context.Context, rec models.StorageRecord) error
}

// Handler handles the video HTTP endpoints.
type Handler struct {
	repo      *Repository
	prober    Prober
	resolver  *playback.Resolver
	queue     *queue.Queue
	purger    ObjectPurger // optional
	uploadDir string
	hlsDir    string
	baseURL   string // prefix for stream URLs in responses, may be empty
	logger    *zap.Logger
}

// NewHandler creates a videos handler.
func NewHandler(repo *Repository, prober Prober, resolver *playback.Resolver, q *queue.Queue, purger ObjectPurger, uploadDir, hlsDir, baseURL string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		repo:      repo,
		prober:    prober,
		resolver:  resolver,
		queue:     q,
		purger:    purger,
		uploadDir: uploadDir,
		hlsDir:    hlsDir,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// Upload handles POST /api/videos/upload. The file is accepted, probed
// and persisted; all heavy work is detached to the background pipeline so
// the response returns immediately with a job handle.
func (h *Handler) Upload(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		response.BadRequest(c, "invalid form data")
		return
	}
	file, header, err := c.Request.FormFile("video")
	if err != nil {
		response.BadRequest(c, "missing video file field")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if err := validateExtension(ext); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	videoID := uuid.New()
	destDir := filepath.Join(h.uploadDir, videoID.String())
	if err := os.MkdirAll(destDir, 0750); err != nil {
		h.logger.Error("create upload dir failed", zap.Error(err))
		response.Internal(c, "failed to store upload")
		return
	}
	destPath := filepath.Join(destDir, "original"+ext)
	if err := saveUpload(file, destPath); err != nil {
		_ = os.RemoveAll(destDir)
		h.logger.Error("save upload failed", zap.Error(err))
		response.Internal(c, "failed to store upload")
		return
	}

	// Full probe: all audio tracks enumerated, since playback needs
	// track-switch capability. A probe failure degrades to file stats.
	info, err := h.prober.Probe(c.Request.Context(), destPath)
	if err != nil {
		var probeErr *models.ProbeError
		if !errors.As(err, &probeErr) {
			h.logger.Error("probe failed", zap.Error(err))
		}
		h.logger.Warn("probe degraded to file stats", zap.String("video_id", videoID.String()), zap.Error(err))
		info = media.FallbackInfo(destPath)
	}

	rec := &models.VideoRecord{
		ID:           videoID,
		OriginalName: header.Filename,
		Size:         info.Size,
		UploadDate:   time.Now().UTC(),
		LocalPath:    destPath,
		Metadata:     info,
		Storage:      models.StorageRecord{Method: models.StorageNone, TotalSize: info.Size},
		Status:       models.ProcessingStatus{Stage: "queued"},
		ShareID:      uuid.NewString(),
	}
	if err := h.repo.Create(c.Request.Context(), rec); err != nil {
		_ = os.RemoveAll(destDir)
		h.logger.Error("create video record failed", zap.Error(err))
		response.Internal(c, "failed to create video record")
		return
	}

	if err := h.queue.EnqueueVideoProcess(c.Request.Context(), queue.VideoProcessPayload{VideoID: videoID}); err != nil {
		h.logger.Error("enqueue processing failed", zap.Error(err), zap.String("video_id", videoID.String()))
		response.Internal(c, "failed to schedule processing")
		return
	}

	response.Created(c, gin.H{
		"video_id":   videoID,
		"stream_url": h.streamURL(videoID),
		"processing": true,
	})
}

// Status handles GET /api/videos/:id/status. After Complete flips true
// the snapshot is stable across calls.
func (h *Handler) Status(c *gin.Context) {
	rec, ok := h.getRecord(c)
	if !ok {
		return
	}
	response.OK(c, rec.StatusSnapshot())
}

// List handles GET /api/videos.
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.ListAll(c.Request.Context())
	if err != nil {
		h.logger.Error("list videos failed", zap.Error(err))
		response.Internal(c, "failed to list videos")
		return
	}
	response.OK(c, list)
}

// Get handles GET /api/videos/:id.
func (h *Handler) Get(c *gin.Context) {
	rec, ok := h.getRecord(c)
	if !ok {
		return
	}
	response.OK(c, rec)
}

// Stream handles GET /api/videos/:id/stream with standard byte-range
// semantics, resolving the best available source.
func (h *Handler) Stream(c *gin.Context) {
	rec, ok := h.getRecord(c)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.repo.IncrementViewCount(ctx, rec.ID)
	}()

	src, err := h.resolver.ResolveStream(c.Request.Context(), rec, c.GetHeader("Range"))
	if err != nil {
		h.streamError(c, err)
		return
	}
	h.serveSource(c, rec.ID, src)
}

// AudioTrack handles GET /api/videos/:id/audio/:track, serving a specific
// extracted track with fallback to the main stream when the track is
// unavailable.
func (h *Handler) AudioTrack(c *gin.Context) {
	rec, ok := h.getRecord(c)
	if !ok {
		return
	}
	trackIndex, err := strconv.Atoi(c.Param("track"))
	if err != nil || trackIndex < 0 {
		response.BadRequest(c, "invalid track index")
		return
	}
	src, err := h.resolver.ResolveAudioTrack(c.Request.Context(), rec, trackIndex, c.GetHeader("Range"))
	if err != nil {
		h.streamError(c, err)
		return
	}
	h.serveSource(c, rec.ID, src)
}

// HLSFile handles GET /api/videos/:id/hls/*filepath, serving manifests
// and segments as static range-capable reads.
func (h *Handler) HLSFile(c *gin.Context) {
	videoID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	rel := path.Clean(strings.TrimPrefix(c.Param("filepath"), "/"))
	if rel == "." || strings.HasPrefix(rel, "..") {
		response.BadRequest(c, "invalid path")
		return
	}
	full := filepath.Join(h.hlsDir, videoID.String(), filepath.FromSlash(rel))
	if _, err := os.Stat(full); err != nil {
		response.NotFound(c, "file not found")
		return
	}
	switch filepath.Ext(full) {
	case ".m3u8":
		c.Header("Content-Type", "application/vnd.apple.mpegurl")
	case ".ts":
		c.Header("Content-Type", "video/mp2t")
	}
	// http.ServeFile underneath: Range requests handled per segment.
	c.File(full)
}

// Shared handles GET /api/shared/:shareId, resolving a share link to its
// public playback handle.
func (h *Handler) Shared(c *gin.Context) {
	shareID := c.Param("shareId")
	if shareID == "" {
		response.BadRequest(c, "missing share id")
		return
	}
	rec, err := h.repo.FindByShareID(c.Request.Context(), shareID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			response.NotFound(c, "share link not found")
			return
		}
		h.logger.Error("share lookup failed", zap.Error(err))
		response.Internal(c, "share lookup failed")
		return
	}
	response.OK(c, gin.H{
		"video_id":      rec.ID,
		"original_name": rec.OriginalName,
		"stream_url":    h.streamURL(rec.ID),
		"processing":    !rec.Status.Complete,
	})
}

// Delete handles DELETE /api/videos/:id. Cloud objects are deliberately
// retained for disaster recovery unless ?purge=1 is set.
func (h *Handler) Delete(c *gin.Context) {
	rec, ok := h.getRecord(c)
	if !ok {
		return
	}
	purge := c.Query("purge") == "1"
	if purge && h.purger != nil {
		if err := h.purger.DeleteObjects(c.Request.Context(), rec.Storage); err != nil {
			h.logger.Warn("purge cloud objects failed", zap.Error(err), zap.String("video_id", rec.ID.String()))
		}
		for _, track := range rec.Artifacts.AudioTracks {
			if err := h.purger.DeleteObjects(c.Request.Context(), track.Storage); err != nil {
				h.logger.Warn("purge track objects failed", zap.Error(err), zap.Int("track", track.Index))
			}
		}
	}
	_ = os.RemoveAll(filepath.Join(h.uploadDir, rec.ID.String()))
	_ = os.RemoveAll(filepath.Join(h.hlsDir, rec.ID.String()))
	if err := h.repo.Delete(c.Request.Context(), rec.ID); err != nil {
		h.logger.Error("delete record failed", zap.Error(err))
		response.Internal(c, "failed to delete video")
		return
	}
	response.NoContent(c)
}

func (h *Handler) getRecord(c *gin.Context) (*models.VideoRecord, bool) {
	videoID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return nil, false
	}
	rec, err := h.repo.GetByID(c.Request.Context(), videoID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			response.NotFound(c, "video not found")
			return nil, false
		}
		h.logger.Error("load video failed", zap.Error(err), zap.String("video_id", videoID.String()))
		response.Internal(c, "failed to load video")
		return nil, false
	}
	return rec, true
}

func (h *Handler) streamError(c *gin.Context, err error) {
	if errors.Is(err, models.ErrRateLimited) {
		response.TooManyRequests(c, "storage throttled, retry shortly")
		return
	}
	response.NotFound(c, models.ErrNotStreamable.Error())
}

func (h *Handler) serveSource(c *gin.Context, videoID uuid.UUID, src *playback.StreamSource) {
	if src.ManifestRedirect != "" {
		c.Redirect(http.StatusFound, hlsPath(videoID, src.ManifestRedirect))
		return
	}
	defer src.Body.Close()
	c.Header("Content-Type", src.ContentType)
	c.Header("Content-Length", strconv.FormatInt(src.ContentLength, 10))
	if src.AcceptRanges {
		c.Header("Accept-Ranges", "bytes")
	}
	if src.ContentRange != "" {
		c.Header("Content-Range", src.ContentRange)
	}
	c.Status(src.Status)
	if _, err := io.Copy(c.Writer, src.Body); err != nil {
		h.logger.Debug("stream interrupted", zap.String("video_id", videoID.String()), zap.Error(err))
	}
}

func (h *Handler) streamURL(videoID uuid.UUID) string {
	return h.baseURL + streamPath(videoID)
}

func streamPath(videoID uuid.UUID) string {
	return "/api/videos/" + videoID.String() + "/stream"
}

func hlsPath(videoID uuid.UUID, manifest string) string {
	return "/api/videos/" + videoID.String() + "/hls/" + path.Clean(filepath.ToSlash(manifest))
}

func validateExtension(ext string) error {
	if !allowedExtensions[ext] {
		return &models.InvalidInputError{Reason: fmt.Sprintf("unsupported file type %q", ext)}
	}
	return nil
}

func saveUpload(src io.Reader, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	return out.Sync()
}
