package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"transcription-service/internal/models"
	"transcription-service/internal/usage"
)

// PlanClip decides whether a preview clip applies and at what ceiling.
// A clip applies when the tier always clips (free, anonymous) or the caller
// asked for a preview explicitly.
func PlanClip(limits usage.TierLimits, preview bool, ceilingSec int) (clipSec int, clipped bool) {
	if limits.PreviewClip || preview {
		return ceilingSec, true
	}
	return 0, false
}

// CheckDuration enforces the tier's hard duration cap. The cap is checked
// against the original length only when no clip is in effect: a request
// that will be clipped down to an allowed length is never hard-rejected.
func CheckDuration(limits usage.TierLimits, originalSec, clipSec int) error {
	if clipSec > 0 {
		return nil
	}
	if limits.MaxDurationSec > 0 && originalSec > limits.MaxDurationSec {
		return models.NewPreparationError(models.StageDuration,
			fmt.Errorf("%w: %ds over tier limit %ds", models.ErrDurationLimit, originalSec, limits.MaxDurationSec))
	}
	return nil
}

// BilledSeconds is the duration actually processed and billed: the clip
// ceiling when one applies, the original otherwise.
func BilledSeconds(originalSec, clipSec int) int {
	if clipSec > 0 && (originalSec == 0 || originalSec > clipSec) {
		return clipSec
	}
	return originalSec
}

// Clipper truncates source audio to a preview length.
type Clipper interface {
	Clip(ctx context.Context, sourceURL string, seconds int) (localPath string, err error)
}

// FFmpegClipper shells out to ffmpeg, reading the source URL directly and
// writing an mp3 clip to a temp file the caller must remove.
type FFmpegClipper struct {
	Path string
}

func (c *FFmpegClipper) Clip(ctx context.Context, sourceURL string, seconds int) (string, error) {
	bin := c.Path
	if bin == "" {
		bin = "ffmpeg"
	}

	out, err := os.CreateTemp("", "clip-*.mp3")
	if err != nil {
		return "", fmt.Errorf("create clip file: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()

	args := []string{
		"-i", sourceURL,
		"-t", strconv.Itoa(seconds),
		"-vn",
		"-acodec", "libmp3lame",
		"-b:a", "128k",
		"-y", outPath,
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if err := cmd.Run(); err != nil {
		_ = os.Remove(outPath)
		return "", fmt.Errorf("ffmpeg clip: %w", err)
	}
	return outPath, nil
}
