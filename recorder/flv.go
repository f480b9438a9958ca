package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/whisper-darkly/tiktok-recorder/units"
)

// progressLogInterval is how often the continuous loop reports progress.
const progressLogInterval = 60 * time.Second

// streamState carries the timers shared across reconnect attempts of one
// recording.
type streamState struct {
	start     time.Time
	deadline  time.Time // zero = no duration cap
	lastAlive time.Time
	lastLog   time.Time
}

// copyFLV consumes the continuous transport until the broadcast ends, the
// duration cap is hit, or reconnect attempts are exhausted. The reconnect
// counter resets on every successful chunk transfer.
func (r *Recorder) copyFLV(ctx context.Context, roomID, streamURL string, buf *diskBuffer) error {
	now := time.Now()
	st := &streamState{
		start:     now,
		lastAlive: now,
		lastLog:   now,
	}
	if r.cfg.Duration > 0 {
		st.deadline = now.Add(r.cfg.Duration)
	}

	url := streamURL
	reconnects := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := r.streamOnce(ctx, roomID, url, buf, st, &reconnects)

		// Flush before deciding anything: the file must stay valid even
		// if the reconnect below never succeeds.
		if ferr := buf.Flush(); ferr != nil {
			return fmt.Errorf("flush: %w", ferr)
		}

		switch {
		case errors.Is(err, errDurationReached), errors.Is(err, errStreamOffline):
			return err

		case err == nil:
			// Server closed the stream without the room going offline.
			r.log.Info("stream ended, checking if @%s is still live...", r.cfg.User)
			if !r.sleep(ctx, 2*time.Second) {
				return nil
			}
			fresh := r.freshStreamURL(ctx, roomID, false)
			if fresh == "" {
				return errStreamOffline
			}
			r.log.Info("reconnected with a fresh stream url")
			url = fresh
			reconnects = 0

		default:
			if ctx.Err() != nil {
				return nil
			}
			reconnects++
			r.metrics.IncReconnects()
			r.log.Warn("transport error: %v (reconnect %d/%d)", err, reconnects, r.cfg.MaxReconnects)
			if reconnects >= r.cfg.MaxReconnects {
				return fmt.Errorf("max reconnect attempts (%d) reached: %w", r.cfg.MaxReconnects, err)
			}
			if !r.sleep(ctx, r.cfg.ReconnectDelay) {
				return nil
			}
			if fresh := r.freshStreamURL(ctx, roomID, false); fresh != "" {
				url = fresh
			}
		}
	}
}

// streamOnce opens the stream and copies chunks into the buffer until the
// server closes it (nil), the room goes offline (errStreamOffline), the
// duration cap fires (errDurationReached), or a transport error occurs.
func (r *Recorder) streamOnce(ctx context.Context, roomID, url string, buf *diskBuffer, st *streamState, reconnects *int) error {
	body, err := r.client.OpenStream(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	chunk := make([]byte, r.cfg.ChunkSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		// Liveness is rechecked on a timer, not per chunk, to bound API
		// call volume.
		if time.Since(st.lastAlive) >= r.cfg.AliveInterval {
			st.lastAlive = time.Now()
			alive, aerr := r.api.IsRoomAlive(ctx, roomID)
			if aerr == nil && !alive {
				r.log.Info("@%s is no longer live, stopping recording", r.cfg.User)
				return errStreamOffline
			}
			if aerr != nil {
				r.log.Debug("liveness recheck failed: %v", aerr)
			}
		}

		if time.Since(st.lastLog) >= progressLogInterval {
			st.lastLog = time.Now()
			r.log.Info("recording progress: %s elapsed, %s written",
				units.FormatDuration(time.Since(st.start)),
				units.FormatBytes(buf.Written()+int64(buf.Buffered())))
		}

		n, rerr := body.Read(chunk)
		if n > 0 {
			if _, werr := buf.Write(chunk[:n]); werr != nil {
				return fmt.Errorf("write buffer: %w", werr)
			}
			*reconnects = 0
		}
		if !st.deadline.IsZero() && !time.Now().Before(st.deadline) {
			r.log.Info("duration limit reached")
			return errDurationReached
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream: %w", rerr)
		}
	}
}
