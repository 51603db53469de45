package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
)

const (
	// segmentDuration is the fixed segment target in seconds.
	segmentDuration = 6
	// gopSize keeps keyframes aligned to segment boundaries; scene-cut
	// detection is disabled so boundaries stay deterministic.
	gopSize = 48
	// maxMappedAudioTracks bounds how many source audio streams get
	// mapped into each quality rendition.
	maxMappedAudioTracks = 4

	masterManifestName  = "master.m3u8"
	variantManifestName = "index.m3u8"
)

// Quality is one rung of the candidate adaptive ladder.
type Quality struct {
	Label         string
	Height        int
	VideoBitrateK int
	AudioBitrateK int
}

// qualityLadder is the fixed candidate ladder, pruned per source so
// upscaling never occurs.
var qualityLadder = []Quality{
	{Label: "1080p", Height: 1080, VideoBitrateK: 5000, AudioBitrateK: 192},
	{Label: "720p", Height: 720, VideoBitrateK: 2800, AudioBitrateK: 128},
	{Label: "480p", Height: 480, VideoBitrateK: 1400, AudioBitrateK: 128},
	{Label: "360p", Height: 360, VideoBitrateK: 800, AudioBitrateK: 96},
}

// LadderFor returns the candidate qualities whose height does not exceed
// the source height. A zero source height yields the lowest rung only.
func LadderFor(sourceHeight int) []Quality {
	if sourceHeight <= 0 {
		return qualityLadder[len(qualityLadder)-1:]
	}
	var out []Quality
	for _, q := range qualityLadder {
		if q.Height <= sourceHeight {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		out = qualityLadder[len(qualityLadder)-1:]
	}
	return out
}

// EncodeResult is what one encoder run produced.
type EncodeResult struct {
	MasterManifest string // path on disk
	Variants       []models.QualityVariant
}

// Encoder produces multi-quality segmented streams and their master
// manifest from a source file.
type Encoder struct {
	run    runner
	logger *zap.Logger
}

// NewEncoder creates an encoder around the given ffmpeg binary.
func NewEncoder(ffmpegPath string, logger *zap.Logger) *Encoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Encoder{
		run:    runner{ffmpegPath: ffmpegPath, logger: logger},
		logger: logger,
	}
}

// Encode produces one segmented stream per surviving quality under outDir
// plus a master manifest referencing them. With videoOnly set no audio is
// mapped at all, feeding multi-audio playback where the player pairs the
// video with an independently selected audio rendition.
//
// A single quality's failure is logged and skipped; only total failure
// across all qualities is an error. Progress runs 0-100 across the whole
// ladder, monotonically.
func (e *Encoder) Encode(ctx context.Context, inputPath, outDir string, info models.MediaInfo, videoOnly bool, progress ProgressFunc) (EncodeResult, error) {
	if progress == nil {
		progress = NopProgress
	}
	sourceHeight := 0
	if info.Video != nil {
		sourceHeight = info.Video.Height
	}
	ladder := LadderFor(sourceHeight)

	stage := "encoding"
	if videoOnly {
		stage = "encoding video-only"
	}

	var variants []models.QualityVariant
	var lastErr error
	for i, q := range ladder {
		qualityDir := filepath.Join(outDir, q.Label)
		if err := os.MkdirAll(qualityDir, 0750); err != nil {
			lastErr = &models.EncodeError{Quality: q.Label, Err: err}
			e.logger.Warn("quality skipped", zap.String("quality", q.Label), zap.Error(err))
			continue
		}

		base, span := float64(i)/float64(len(ladder))*100, 100/float64(len(ladder))
		args := encodeArgs(inputPath, qualityDir, q, info, videoOnly)
		err := e.run.run(ctx, args, info.Duration, func(pct float64) {
			progress(base+pct*span/100, stage, q.Label)
		})
		if err != nil {
			lastErr = &models.EncodeError{Quality: q.Label, Err: err}
			e.logger.Warn("quality failed", zap.String("quality", q.Label), zap.Error(err))
			_ = os.RemoveAll(qualityDir)
			continue
		}

		w, h := scaledDims(q.Height, info)
		variants = append(variants, models.QualityVariant{
			Label:        q.Label,
			Width:        w,
			Height:       h,
			Bandwidth:    variantBandwidth(q, videoOnly),
			ManifestPath: filepath.Join(q.Label, variantManifestName),
		})
	}
	if len(variants) == 0 {
		if lastErr == nil {
			lastErr = &models.EncodeError{Err: fmt.Errorf("no qualities produced")}
		}
		return EncodeResult{}, lastErr
	}

	masterPath := filepath.Join(outDir, masterManifestName)
	if err := os.WriteFile(masterPath, []byte(masterManifest(variants, videoOnly)), 0640); err != nil {
		return EncodeResult{}, fmt.Errorf("write master manifest: %w", err)
	}
	progress(100, stage, "")
	return EncodeResult{MasterManifest: masterPath, Variants: variants}, nil
}

// encodeArgs builds the ffmpeg invocation for one quality rendition.
func encodeArgs(inputPath, qualityDir string, q Quality, info models.MediaInfo, videoOnly bool) []string {
	args := []string{
		"-y",
		"-i", inputPath,
		"-map", "0:v:0",
	}
	audioCount := 0
	if !videoOnly {
		audioCount = len(info.Audio)
		if audioCount > maxMappedAudioTracks {
			audioCount = maxMappedAudioTracks
		}
		for i := 0; i < audioCount; i++ {
			args = append(args, "-map", fmt.Sprintf("0:a:%d", i))
		}
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-vf", fmt.Sprintf("scale=-2:%d", q.Height),
		"-b:v", fmt.Sprintf("%dk", q.VideoBitrateK),
		"-maxrate", fmt.Sprintf("%dk", q.VideoBitrateK*107/100),
		"-bufsize", fmt.Sprintf("%dk", q.VideoBitrateK*3/2),
		"-g", fmt.Sprintf("%d", gopSize),
		"-keyint_min", fmt.Sprintf("%d", gopSize),
		"-sc_threshold", "0",
	)
	if audioCount > 0 {
		args = append(args,
			"-c:a", "aac",
			"-b:a", fmt.Sprintf("%dk", q.AudioBitrateK),
			"-ac", "2",
		)
	} else {
		args = append(args, "-an")
	}
	args = append(args,
		"-hls_time", fmt.Sprintf("%d", segmentDuration),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(qualityDir, "segment_%05d.ts"),
		filepath.Join(qualityDir, variantManifestName),
	)
	return args
}

// variantBandwidth approximates combined bandwidth in bits/sec.
func variantBandwidth(q Quality, videoOnly bool) int {
	b := q.VideoBitrateK
	if !videoOnly {
		b += q.AudioBitrateK
	}
	return b * 1000
}

// masterManifest renders the top-level playlist listing each surviving
// quality. The video-only variant omits audio codec signaling.
func masterManifest(variants []models.QualityVariant, videoOnly bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	codecs := `avc1.64001f,mp4a.40.2`
	if videoOnly {
		codecs = `avc1.64001f`
	}
	for _, v := range variants {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\n%s\n",
			v.Bandwidth, v.Width, v.Height, codecs, filepath.ToSlash(v.ManifestPath))
	}
	return b.String()
}

// scaledDims derives the rendition's dimensions from the source aspect
// ratio, keeping the width even as the scaler requires.
func scaledDims(height int, info models.MediaInfo) (int, int) {
	aspect := 16.0 / 9.0
	if info.Video != nil && info.Video.Width > 0 && info.Video.Height > 0 {
		aspect = float64(info.Video.Width) / float64(info.Video.Height)
	}
	w := int(float64(height)*aspect+0.5) &^ 1
	return w, height
}
