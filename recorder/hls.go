package recorder

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/whisper-darkly/tiktok-recorder/units"
)

// seenSetCap bounds the duplicate-suppression set. Very long broadcasts
// would otherwise grow it without limit; the playlist window is tiny
// compared to this, so FIFO eviction never re-downloads a live segment.
const seenSetCap = 4096

// seenSet is a FIFO-capped string set for segment dedupe.
type seenSet struct {
	cap   int
	set   map[string]struct{}
	order []string
}

func newSeenSet(cap int) *seenSet {
	return &seenSet{cap: cap, set: make(map[string]struct{}, cap)}
}

func (s *seenSet) Has(key string) bool {
	_, ok := s.set[key]
	return ok
}

func (s *seenSet) Add(key string) {
	if _, ok := s.set[key]; ok {
		return
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
	}
	s.set[key] = struct{}{}
	s.order = append(s.order, key)
}

// copyHLS consumes the segmented transport: poll the playlist, follow a
// master document to its highest-bandwidth variant, download unseen
// segments in playlist order, and stop on ENDLIST or after a bounded run
// of polls that yield nothing new.
func (r *Recorder) copyHLS(ctx context.Context, roomID, playlistURL string, buf *diskBuffer) error {
	now := time.Now()
	st := &streamState{
		start:     now,
		lastAlive: now,
		lastLog:   now,
	}
	if r.cfg.Duration > 0 {
		st.deadline = now.Add(r.cfg.Duration)
	}

	seen := newSeenSet(seenSetCap)
	url := playlistURL
	reconnects := 0
	emptyPolls := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

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

		body, err := r.client.Get(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			reconnects++
			r.metrics.IncReconnects()
			r.log.Warn("playlist fetch failed: %v (reconnect %d/%d)", err, reconnects, r.cfg.MaxReconnects)
			if reconnects >= r.cfg.MaxReconnects {
				return fmt.Errorf("max reconnect attempts (%d) reached: %w", r.cfg.MaxReconnects, err)
			}
			if !r.sleep(ctx, r.cfg.ReconnectDelay) {
				return nil
			}
			continue
		}

		pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
		if err != nil {
			// Block pages and captive portals come back as HTTP 200 with an
			// HTML body; treat them like a failed fetch and re-poll.
			reconnects++
			r.metrics.IncReconnects()
			r.log.Warn("playlist decode failed: %v (reconnect %d/%d)", err, reconnects, r.cfg.MaxReconnects)
			if reconnects >= r.cfg.MaxReconnects {
				return fmt.Errorf("max reconnect attempts (%d) reached: %w", r.cfg.MaxReconnects, err)
			}
			if !r.sleep(ctx, r.cfg.ReconnectDelay) {
				return nil
			}
			continue
		}

		if kind == m3u8.MASTER {
			master := pl.(*m3u8.MasterPlaylist)
			variant := pickBandwidthVariant(master)
			if variant == "" {
				return fmt.Errorf("no variants in master playlist")
			}
			url = resolvePlaylistURL(url, variant)
			r.log.Debug("switched to variant playlist %s", url)
			continue
		}

		media, ok := pl.(*m3u8.MediaPlaylist)
		if !ok {
			return fmt.Errorf("unexpected playlist type %d", kind)
		}

		newSegments := 0
		for _, seg := range media.Segments {
			if seg == nil {
				continue
			}
			segURL := resolvePlaylistURL(url, seg.URI)
			if seen.Has(segURL) {
				continue
			}

			data, derr := r.client.Get(ctx, segURL)
			if derr != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.Debug("segment fetch failed: %v", derr)
				break // re-poll; the segment stays unseen and is retried
			}

			seen.Add(segURL)
			if _, werr := buf.Write(data); werr != nil {
				return fmt.Errorf("write buffer: %w", werr)
			}
			newSegments++
			reconnects = 0
			r.metrics.IncSegments()

			if !st.deadline.IsZero() && !time.Now().Before(st.deadline) {
				r.log.Info("duration limit reached")
				return errDurationReached
			}
		}

		if media.Closed {
			r.log.Info("playlist carries an end marker, broadcast is over")
			return errStreamOffline
		}

		if newSegments == 0 {
			emptyPolls++
			if emptyPolls >= r.cfg.HLSMaxEmptyPolls {
				r.log.Info("no new segments after %d polls, assuming broadcast ended", emptyPolls)
				return errStreamOffline
			}
		} else {
			emptyPolls = 0
		}

		if time.Since(st.lastLog) >= progressLogInterval {
			st.lastLog = time.Now()
			r.log.Info("recording progress: %s elapsed, %s written",
				units.FormatDuration(time.Since(st.start)),
				units.FormatBytes(buf.Written()+int64(buf.Buffered())))
		}

		if !r.sleep(ctx, r.cfg.HLSPollInterval) {
			return nil
		}
	}
}

// pickBandwidthVariant returns the URI of the highest-bandwidth variant;
// ties keep the first listed.
func pickBandwidthVariant(master *m3u8.MasterPlaylist) string {
	var best string
	bestBW := uint32(0)
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == "" || v.Bandwidth > bestBW {
			best = v.URI
			bestBW = v.Bandwidth
		}
	}
	return best
}

// resolvePlaylistURL builds a full URL from the playlist URL and a
// possibly-relative URI, carrying the base query string over because
// signed CDN parameters live there.
func resolvePlaylistURL(baseURL, uri string) string {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}

	queryPart := ""
	pathPart := baseURL
	if idx := strings.Index(baseURL, "?"); idx != -1 {
		pathPart = baseURL[:idx]
		queryPart = baseURL[idx:]
	}
	if strings.Contains(uri, "?") {
		queryPart = ""
	}

	if lastSlash := strings.LastIndex(pathPart, "/"); lastSlash != -1 {
		return pathPart[:lastSlash+1] + uri + queryPart
	}
	return uri + queryPart
}
