package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/whisper-darkly/tiktok-recorder/logger"
	"github.com/whisper-darkly/tiktok-recorder/metrics"
	"github.com/whisper-darkly/tiktok-recorder/session"
	"github.com/whisper-darkly/tiktok-recorder/tiktok"
	"github.com/whisper-darkly/tiktok-recorder/units"
)

// ErrNoStreamURL is returned when the room info carries no playable URL.
// Soft: the caller may retry on the next cycle.
var ErrNoStreamURL = errors.New("no playable stream url in room info")

// Loop outcomes signalled from the transport loops back to Record.
var (
	errStreamOffline   = errors.New("broadcast ended")
	errDurationReached = errors.New("duration limit reached")
)

// Config holds all recording parameters. API, Client and Log are required;
// Tracker and Metrics may be nil.
type Config struct {
	API     *tiktok.API
	Client  *tiktok.Client
	Log     *logger.Logger
	Tracker *session.Tracker
	Metrics *metrics.Metrics

	User       string
	OutDir     string        // output directory (default "videos")
	OutPattern string        // Go template for the output file base name
	Duration   time.Duration // wall-clock cap (0 = record until offline)
	PreferHLS  bool          // use the segmented transport when available

	SkipConvert bool     // leave the raw container as-is
	UploadArgs  []string // command run on the finished file ({} = path)

	// Tunables; zero values mean production defaults.
	BufferSize       int
	AliveInterval    time.Duration // liveness recheck cadence while streaming
	ReconnectDelay   time.Duration // pause before a reconnect attempt
	MaxReconnects    int           // consecutive transport failures allowed
	FreshURLRetries  int           // descriptor re-fetch attempts after stream end
	FreshURLDelay    time.Duration // pause between descriptor re-fetches
	HLSPollInterval  time.Duration // playlist poll cadence
	HLSMaxEmptyPolls int           // consecutive empty polls before soft end
	ChunkSize        int           // read size for the continuous transport
}

// Recorder captures one target's live broadcasts to disk. A Recorder is
// bound to one username; each Record call owns one output file.
type Recorder struct {
	cfg Config
	log *logger.Logger

	api     *tiktok.API
	client  *tiktok.Client
	tracker *session.Tracker
	metrics *metrics.Metrics
}

// kv is a shorthand for logger.KV.
func kv(key, value string) logger.KV { return logger.KV{Key: key, Value: value} }

// New creates a Recorder with the given config.
func New(cfg Config) *Recorder {
	if cfg.OutDir == "" {
		cfg.OutDir = "videos"
	}
	if cfg.OutPattern == "" {
		cfg.OutPattern = DefaultOutPattern
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.AliveInterval <= 0 {
		cfg.AliveInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.FreshURLRetries <= 0 {
		cfg.FreshURLRetries = 2
	}
	if cfg.FreshURLDelay <= 0 {
		cfg.FreshURLDelay = 3 * time.Second
	}
	if cfg.HLSPollInterval <= 0 {
		cfg.HLSPollInterval = 2 * time.Second
	}
	if cfg.HLSMaxEmptyPolls <= 0 {
		cfg.HLSMaxEmptyPolls = 10
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
	}

	return &Recorder{
		cfg:     cfg,
		log:     cfg.Log,
		api:     cfg.API,
		client:  cfg.Client,
		tracker: cfg.Tracker,
		metrics: cfg.Metrics,
	}
}

// Record captures the broadcast in the given room until it ends, the
// duration cap is reached, or reconnect attempts are exhausted. The raw
// file is handed to the transcoder and uploader on completion, both
// best-effort.
func (r *Recorder) Record(ctx context.Context, roomID string) error {
	desc, err := r.api.FetchStreamDescriptor(ctx, roomID)
	if err != nil {
		return fmt.Errorf("fetch stream descriptor: %w", err)
	}
	if desc == nil {
		return ErrNoStreamURL
	}

	useHLS := r.cfg.PreferHLS && desc.HLS != ""
	if desc.FLV == "" {
		useHLS = desc.HLS != ""
	}
	if !useHLS && desc.FLV == "" {
		return ErrNoStreamURL
	}

	start := time.Now()
	outFile, err := r.outputPath(roomID, start, useHLS)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(outFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	buf := newDiskBuffer(f, r.cfg.BufferSize)
	buf.onFlush = func(n int) {
		r.metrics.AddBytesWritten(n)
		if r.tracker != nil {
			r.tracker.SetRecordingBytes(buf.Written())
		}
	}

	transport := "flv"
	streamURL := desc.FLV
	if useHLS {
		transport = "hls"
		streamURL = desc.HLS
	}

	if r.tracker != nil {
		r.tracker.BeginRecording(outFile)
	}
	r.metrics.RecordingStarted()
	r.log.Event("RECORDING START",
		kv("user", r.cfg.User),
		kv("room", roomID),
		kv("transport", transport),
		kv("file", outFile))
	if r.cfg.Duration > 0 {
		r.log.Info("recording for at most %s", units.FormatDuration(r.cfg.Duration))
	}

	var loopErr error
	if useHLS {
		loopErr = r.copyHLS(ctx, roomID, streamURL, buf)
	} else {
		loopErr = r.copyFLV(ctx, roomID, streamURL, buf)
	}

	// Exit flush: partial files stay valid up to the last flushed byte.
	if err := buf.Flush(); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("final flush: %w", err)
	}
	if err := f.Close(); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("close output file: %w", err)
	}

	r.metrics.RecordingStopped()
	if r.tracker != nil {
		r.tracker.EndRecording()
	}

	trigger := "stream_end"
	switch {
	case ctx.Err() != nil:
		trigger = "cancelled"
	case errors.Is(loopErr, errDurationReached):
		trigger = "duration_limit"
		loopErr = nil
	case errors.Is(loopErr, errStreamOffline):
		loopErr = nil
	case loopErr != nil:
		trigger = "error"
	}

	r.log.Event("RECORDING END",
		kv("user", r.cfg.User),
		kv("room", roomID),
		kv("file", outFile),
		kv("size", units.FormatBytes(buf.Written())),
		kv("duration", units.FormatDuration(time.Since(start))),
		kv("trigger", trigger))

	if buf.Written() == 0 {
		os.Remove(outFile)
		return loopErr
	}

	finished := outFile
	if !r.cfg.SkipConvert {
		if converted := r.convertToMP4(outFile); converted != "" {
			finished = converted
		}
	}
	if len(r.cfg.UploadArgs) > 0 {
		r.runUploader(finished)
	}
	return loopErr
}

// outputPath renders the output file name and creates its directory.
func (r *Recorder) outputPath(roomID string, start time.Time, hls bool) (string, error) {
	base, err := RenderTemplate(r.cfg.OutPattern, NewTemplateData(r.cfg.User, roomID, start))
	if err != nil {
		return "", fmt.Errorf("render output template: %w", err)
	}

	suffix := "_flv.mp4"
	if hls {
		suffix = "_hls.ts"
	}
	out := filepath.Join(r.cfg.OutDir, base+suffix)

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	return out, nil
}

// freshStreamURL re-checks liveness and fetches a fresh descriptor, used
// after a stream end or transport error. Returns "" when the room is no
// longer live or every attempt failed.
func (r *Recorder) freshStreamURL(ctx context.Context, roomID string, hls bool) string {
	for attempt := 1; attempt <= r.cfg.FreshURLRetries; attempt++ {
		if ctx.Err() != nil {
			return ""
		}

		alive, err := r.api.IsRoomAlive(ctx, roomID)
		if err == nil && !alive {
			r.log.Debug("room %s is no longer alive", roomID)
			return ""
		}
		if err == nil {
			desc, derr := r.api.FetchStreamDescriptor(ctx, roomID)
			if derr == nil && desc != nil {
				if hls && desc.HLS != "" {
					return desc.HLS
				}
				if !hls && desc.FLV != "" {
					return desc.FLV
				}
			}
			err = derr
		}

		r.log.Debug("fresh url attempt %d/%d failed: %v", attempt, r.cfg.FreshURLRetries, err)
		if attempt < r.cfg.FreshURLRetries {
			select {
			case <-time.After(r.cfg.FreshURLDelay):
			case <-ctx.Done():
				return ""
			}
		}
	}
	return ""
}

// sleep waits for d or until cancellation.
func (r *Recorder) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
