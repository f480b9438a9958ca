package tiktok

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrRoomIDMissing is returned when an operation needs a room id and none
	// is available. Distinct from "not live": it signals bad input, not state.
	ErrRoomIDMissing = errors.New("room id is empty")

	// ErrContentRestricted is returned when the platform declares the live
	// restricted (age/region gate) and exposes no stream URL. Not retryable.
	ErrContentRestricted = errors.New("live is restricted and requires an authenticated session cookie")

	// ErrAccountPrivate is returned when the room info says the account is
	// private or follower-gated.
	ErrAccountPrivate = errors.New("account is private; following the creator (and a session cookie) is required")

	// ErrGeoBlocked is returned when the current connection's region requires
	// login before any live content is served.
	ErrGeoBlocked = errors.New("current region requires login; set a proxy or authentication cookies")

	// ErrResolutionExhausted is returned when every provider and the cache
	// failed to produce a room id.
	ErrResolutionExhausted = errors.New("all room id lookup methods failed")

	// ErrInvalidLiveURL is returned when a live URL does not contain a username.
	ErrInvalidLiveURL = errors.New("not a recognizable live URL")
)

// SigningError reports that a resolution provider kept returning blocked,
// empty or malformed responses until its retry budget ran out.
type SigningError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// Kind buckets errors into the backoff categories the monitor acts on.
type Kind int

const (
	// KindTransient covers network blips, timeouts and anything
	// uncategorized. Retried with the standard medium backoff.
	KindTransient Kind = iota
	// KindSigning means the resolution provider chain is blocked or down.
	// Providers already retried internally, so only a short wait applies.
	KindSigning
	// KindGeoBlocked means the region requires authentication we do not
	// have. Long backoff: it will not clear quickly.
	KindGeoBlocked
	// KindRestricted is a platform-declared restriction on this live.
	// Not retryable within a cycle; surfaced immediately.
	KindRestricted
	// KindFatal is unrecoverable: cancelled context, bad configuration.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSigning:
		return "signing"
	case KindGeoBlocked:
		return "geo_blocked"
	case KindRestricted:
		return "restricted"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error into a Kind. nil is not a valid input.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindFatal
	case errors.Is(err, ErrRoomIDMissing):
		return KindFatal
	case errors.Is(err, ErrGeoBlocked):
		return KindGeoBlocked
	case errors.Is(err, ErrContentRestricted), errors.Is(err, ErrAccountPrivate):
		return KindRestricted
	case errors.Is(err, ErrResolutionExhausted):
		return KindSigning
	default:
	}

	var se *SigningError
	if errors.As(err, &se) {
		return KindSigning
	}

	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTransient
	}

	return KindTransient
}
