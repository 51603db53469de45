package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
)

// Extraction targets a fixed compatibility profile so independently
// demuxed tracks stay frame-aligned and player-safe.
const (
	audioCodec      = "aac"
	audioBitrateK   = 192
	audioChannels   = 2
	audioSampleRate = 48000
)

// ExtractedAudio is one successfully demuxed audio track on disk.
type ExtractedAudio struct {
	Index    int
	Language string
	Title    string
	Path     string
}

// AudioHLSStream is one per-track segmented audio stream.
type AudioHLSStream struct {
	Index        int
	ManifestPath string // path on disk
}

// AudioExtractor demuxes individual audio streams into standalone files
// and builds per-track segmented streams from them.
type AudioExtractor struct {
	run    runner
	logger *zap.Logger
}

// NewAudioExtractor creates an extractor around the given ffmpeg binary.
func NewAudioExtractor(ffmpegPath string, logger *zap.Logger) *AudioExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudioExtractor{
		run:    runner{ffmpegPath: ffmpegPath, logger: logger},
		logger: logger,
	}
}

// ExtractTracks demuxes each listed track into outDir, transcoded to the
// fixed compatibility profile with timestamps reset to zero. Extraction
// only has meaning for multi-track sources: with one track or fewer it
// returns nil immediately. A failed track is logged and omitted; the
// batch never aborts.
func (a *AudioExtractor) ExtractTracks(ctx context.Context, inputPath, outDir string, tracks []models.AudioStream, duration float64, progress ProgressFunc) []ExtractedAudio {
	if len(tracks) <= 1 {
		return nil
	}
	if progress == nil {
		progress = NopProgress
	}
	if err := os.MkdirAll(outDir, 0750); err != nil {
		a.logger.Warn("audio extraction dir", zap.Error(err))
		return nil
	}

	var out []ExtractedAudio
	for i, track := range tracks {
		dest := filepath.Join(outDir, fmt.Sprintf("track_%d.m4a", track.Index))
		base, span := float64(i)/float64(len(tracks))*100, 100/float64(len(tracks))
		args := extractArgs(inputPath, dest, track.Index)
		err := a.run.run(ctx, args, duration, func(pct float64) {
			progress(base+pct*span/100, "extracting audio", track.Title)
		})
		if err != nil {
			a.logger.Warn("audio track extraction failed",
				zap.Int("track", track.Index), zap.Error(err))
			_ = os.Remove(dest)
			continue
		}
		// An empty output counts as a failure, not a success.
		if st, statErr := os.Stat(dest); statErr != nil || st.Size() == 0 {
			a.logger.Warn("audio track output empty", zap.Int("track", track.Index))
			_ = os.Remove(dest)
			continue
		}
		out = append(out, ExtractedAudio{
			Index:    track.Index,
			Language: track.Language,
			Title:    track.Title,
			Path:     dest,
		})
	}
	progress(100, "extracting audio", "")
	return out
}

func extractArgs(inputPath, dest string, trackIndex int) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-map", fmt.Sprintf("0:a:%d", trackIndex),
		"-vn",
		"-c:a", audioCodec,
		"-b:a", fmt.Sprintf("%dk", audioBitrateK),
		"-ac", fmt.Sprintf("%d", audioChannels),
		"-ar", fmt.Sprintf("%d", audioSampleRate),
		"-avoid_negative_ts", "make_zero",
		"-start_at_zero",
		dest,
	}
}

// CreateAudioHLSStreams segments each extracted file into its own
// adaptive-audio manifest under a per-track subdirectory of hlsAudioDir,
// independent of the video's segmenting. Per-track failure is logged and
// skipped.
func (a *AudioExtractor) CreateAudioHLSStreams(ctx context.Context, extracted []ExtractedAudio, hlsAudioDir string, progress ProgressFunc) []AudioHLSStream {
	if progress == nil {
		progress = NopProgress
	}
	var out []AudioHLSStream
	for i, track := range extracted {
		trackDir := filepath.Join(hlsAudioDir, fmt.Sprintf("track_%d", track.Index))
		if err := os.MkdirAll(trackDir, 0750); err != nil {
			a.logger.Warn("audio hls dir", zap.Int("track", track.Index), zap.Error(err))
			continue
		}
		manifest := filepath.Join(trackDir, variantManifestName)
		args := []string{
			"-y",
			"-i", track.Path,
			"-c:a", "copy",
			"-hls_time", fmt.Sprintf("%d", segmentDuration),
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", filepath.Join(trackDir, "segment_%05d.ts"),
			manifest,
		}
		if err := a.run.run(ctx, args, 0, nil); err != nil {
			a.logger.Warn("audio hls failed", zap.Int("track", track.Index), zap.Error(err))
			_ = os.RemoveAll(trackDir)
			continue
		}
		out = append(out, AudioHLSStream{Index: track.Index, ManifestPath: manifest})
		progress(float64(i+1)/float64(len(extracted))*100, "segmenting audio", track.Title)
	}
	return out
}

// CleanupAudioFiles removes extracted intermediates and prunes their
// containing directories when empty. Individual failures are logged, not
// escalated.
func (a *AudioExtractor) CleanupAudioFiles(extracted []ExtractedAudio) {
	for _, track := range extracted {
		if err := os.Remove(track.Path); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("audio cleanup", zap.String("path", track.Path), zap.Error(err))
			continue
		}
		dir := filepath.Dir(track.Path)
		if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
}
