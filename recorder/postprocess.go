package recorder

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/whisper-darkly/tiktok-recorder/logger"
	"github.com/whisper-darkly/tiktok-recorder/units"
)

// rawFolder is where original raw containers are stashed after a
// successful remux.
const rawFolder = "raw"

// mp4OutputName maps a raw recording name to the finished MP4 name.
func mp4OutputName(file string) string {
	switch {
	case strings.HasSuffix(file, "_flv.mp4"):
		return strings.TrimSuffix(file, "_flv.mp4") + ".mp4"
	case strings.HasSuffix(file, "_hls.ts"):
		return strings.TrimSuffix(file, "_hls.ts") + ".mp4"
	case strings.HasSuffix(file, ".ts"):
		return strings.TrimSuffix(file, ".ts") + ".mp4"
	}
	ext := filepath.Ext(file)
	out := strings.TrimSuffix(file, ext) + ".mp4"
	if out == file {
		out = strings.TrimSuffix(file, ext) + "_converted.mp4"
	}
	return out
}

// convertToMP4 remuxes a finished raw recording into a playable MP4.
// Best-effort: failures are logged and the raw file is left in place.
// Returns the converted path, or "" when conversion did not happen.
func (r *Recorder) convertToMP4(file string) string {
	out := mp4OutputName(file)

	var size int64
	if fi, err := os.Stat(file); err == nil {
		size = fi.Size()
	}
	r.log.Info("converting %s to MP4 (%s)...", file, units.FormatBytes(size))

	// First pass re-encodes audio with timestamp correction; live FLV
	// captures routinely carry A/V drift.
	args := []string{
		"-y", "-hide_banner", "-loglevel", "warning",
		"-fflags", "+genpts+igndts",
		"-i", file,
		"-c:v", "copy",
		"-c:a", "aac", "-b:a", "128k",
		"-af", "aresample=async=1000",
		out,
	}
	if err := r.runFFmpeg(args); err != nil {
		r.log.Warn("audio re-encode failed, trying copy-only remux: %v", err)

		args = []string{
			"-y", "-hide_banner", "-loglevel", "warning",
			"-fflags", "+genpts+igndts+discardcorrupt",
			"-i", file,
			"-c", "copy",
			"-movflags", "+faststart",
			out,
		}
		if err := r.runFFmpeg(args); err != nil {
			r.log.Error("conversion failed: %v", err)
			os.Remove(out)
			return ""
		}
	}

	r.stashRaw(file)

	if fi, err := os.Stat(out); err == nil {
		r.log.Info("finished converting: %s (%s)", out, units.FormatBytes(fi.Size()))
	}
	return out
}

func (r *Recorder) runFFmpeg(args []string) error {
	r.log.Debug("ffmpeg %s", strings.Join(args, " "))
	cmd := exec.Command("ffmpeg", args...)
	cmd.Stdout = r.log.Writer(logger.LevelDebug)
	cmd.Stderr = r.log.Writer(logger.LevelDebug)
	return cmd.Run()
}

// stashRaw moves the original raw file into a raw/ subfolder next to it.
func (r *Recorder) stashRaw(file string) {
	dir := filepath.Join(filepath.Dir(file), rawFolder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.log.Warn("create raw folder: %v", err)
		return
	}
	dest := filepath.Join(dir, filepath.Base(file))
	if err := os.Rename(file, dest); err != nil {
		r.log.Warn("move raw file: %v", err)
		return
	}
	r.log.Debug("moved raw recording to %s", dest)
}

// runUploader executes the configured upload command with {} replaced by
// the finished file path. Best-effort: a non-zero exit is logged, never
// escalated.
func (r *Recorder) runUploader(file string) {
	args := make([]string, len(r.cfg.UploadArgs))
	for i, a := range r.cfg.UploadArgs {
		args[i] = strings.ReplaceAll(a, "{}", file)
	}

	r.log.Info("upload: %s", strings.Join(args, " "))

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = r.log.Writer(logger.LevelInfo)
	cmd.Stderr = r.log.Writer(logger.LevelWarn)
	if err := cmd.Run(); err != nil {
		r.log.Warn("upload command failed: %v", err)
	}
}
