// Package media wraps the external probing and transcoding tools behind
// typed Go interfaces: container introspection, audio track extraction and
// adaptive-ladder encoding.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
)

// Prober extracts container/stream metadata from a source file via ffprobe.
type Prober struct {
	ffprobePath string
	logger      *zap.Logger
}

// NewProber creates a prober around the given ffprobe binary.
func NewProber(ffprobePath string, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{ffprobePath: ffprobePath, logger: logger}
}

// ffprobe JSON output shapes (subset).
type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type probeStream struct {
	Index      int               `json:"index"`
	CodecType  string            `json:"codec_type"`
	CodecName  string            `json:"codec_name"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	RFrameRate string            `json:"r_frame_rate"`
	Channels   int               `json:"channels"`
	SampleRate string            `json:"sample_rate"`
	Tags       map[string]string `json:"tags"`
}

// Probe runs ffprobe and returns full media info, enumerating every audio
// track. Callers that need track switching must use this variant.
func (p *Prober) Probe(ctx context.Context, filePath string) (models.MediaInfo, error) {
	return p.probe(ctx, filePath, 0)
}

// ProbeQuick caps audio enumeration to the first track, for
// latency-sensitive call sites that only need the primary streams.
func (p *Prober) ProbeQuick(ctx context.Context, filePath string) (models.MediaInfo, error) {
	return p.probe(ctx, filePath, 1)
}

func (p *Prober) probe(ctx context.Context, filePath string, maxAudio int) (models.MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	)
	raw, err := cmd.Output()
	if err != nil {
		return models.MediaInfo{}, &models.ProbeError{Path: filePath, Err: err}
	}
	info, err := parseProbeOutput(raw, maxAudio)
	if err != nil {
		return models.MediaInfo{}, &models.ProbeError{Path: filePath, Err: err}
	}
	if info.Size == 0 {
		if st, statErr := os.Stat(filePath); statErr == nil {
			info.Size = st.Size()
		}
	}
	return info, nil
}

// FallbackInfo returns filesystem-only stats for files the probing tool
// cannot parse: size set, duration and streams zeroed.
func FallbackInfo(filePath string) models.MediaInfo {
	var size int64
	if st, err := os.Stat(filePath); err == nil {
		size = st.Size()
	}
	return models.MediaInfo{Size: size}
}

func parseProbeOutput(raw []byte, maxAudio int) (models.MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.MediaInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	info := models.MediaInfo{
		Format: out.Format.FormatName,
	}
	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	if s, err := strconv.ParseInt(out.Format.Size, 10, 64); err == nil {
		info.Size = s
	}

	audioIdx := 0
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if info.Video == nil {
				info.Video = &models.VideoStream{
					Codec:  s.CodecName,
					Width:  s.Width,
					Height: s.Height,
					FPS:    parseFrameRate(s.RFrameRate),
				}
			}
		case "audio":
			if maxAudio > 0 && audioIdx >= maxAudio {
				continue
			}
			sampleRate, _ := strconv.Atoi(s.SampleRate)
			info.Audio = append(info.Audio, models.AudioStream{
				Index:      audioIdx,
				Codec:      s.CodecName,
				Channels:   s.Channels,
				SampleRate: sampleRate,
				Language:   tagOrDefault(s.Tags, "language", "unknown"),
				Title:      tagOrDefault(s.Tags, "title", fmt.Sprintf("Track %d", audioIdx+1)),
			})
			audioIdx++
		}
	}
	return info, nil
}

// parseFrameRate handles both the rational "num/den" textual form and a
// plain numeric form.
func parseFrameRate(s string) float64 {
	if s == "" {
		return 0
	}
	if num, den, found := strings.Cut(s, "/"); found {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func tagOrDefault(tags map[string]string, key, fallback string) string {
	if v, ok := tags[key]; ok && v != "" {
		return v
	}
	return fallback
}
