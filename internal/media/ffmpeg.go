package media

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ProgressFunc receives pipeline progress: a percentage within the current
// stage, the stage name for UI display, and a short detail string.
type ProgressFunc func(percent float64, stage, detail string)

// NopProgress discards progress updates.
func NopProgress(float64, string, string) {}

// runner executes ffmpeg with -progress reporting and translates
// out_time updates into a monotonically increasing percentage against the
// known source duration.
type runner struct {
	ffmpegPath string
	logger     *zap.Logger
}

// run blocks until ffmpeg exits. onPercent (optional) is invoked with
// values in [0,100], never decreasing.
func (r *runner) run(ctx context.Context, args []string, durationSec float64, onPercent func(float64)) error {
	full := append([]string{"-hide_banner", "-nostats", "-progress", "pipe:1"}, args...)
	cmd := exec.CommandContext(ctx, r.ffmpegPath, full...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	last := 0.0
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			if onPercent == nil || durationSec <= 0 {
				continue
			}
			us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || us < 0 {
				continue
			}
			pct := float64(us) / 1e6 / durationSec * 100
			if pct > 100 {
				pct = 100
			}
			if pct > last {
				last = pct
				onPercent(pct)
			}
		case "progress":
			if strings.TrimSpace(value) == "end" && onPercent != nil && last < 100 {
				last = 100
				onPercent(100)
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		tail := stderr.String()
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, tail)
	}
	return nil
}
