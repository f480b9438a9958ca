package tiktok

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/whisper-darkly/tiktok-recorder/units"
)

// Resolve produces the room id for a username by trying the signing
// provider, then the direct room-info provider, then the persisted cache.
//
// The return contract is a tagged result, not an exception ladder:
//   - ("", nil)  — a provider answered definitively: the user is not live.
//   - (id, nil)  — resolved; already written back to the cache.
//   - ("", err)  — every provider errored and the cache had nothing.
//
// A definitive "not live" from either provider short-circuits the chain:
// the cache is only consulted when both providers actually failed and the
// context is still live — a cancelled caller gets the cancellation back,
// never a stale hit.
func (a *API) Resolve(ctx context.Context, user string) (string, error) {
	roomID, signErr := a.resolveViaSigner(ctx, user)
	if signErr == nil {
		if roomID != "" {
			a.cachePut(user, roomID)
		}
		return roomID, nil
	}
	a.log.Warn("signing provider failed for @%s, falling back to room info API: %v", user, signErr)

	roomID, infoErr := a.resolveViaRoomInfo(ctx, user)
	if infoErr == nil {
		if roomID != "" {
			a.cachePut(user, roomID)
		}
		return roomID, nil
	}
	a.log.Warn("room info provider also failed for @%s: %v", user, infoErr)

	// Providers that failed only because the caller gave up must not be
	// papered over with a stale cache hit.
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if a.cache != nil {
		if cached, ok := a.cache.Get(user); ok {
			a.log.Warn("using cached room id %s for @%s — it may be outdated", cached, user)
			return cached, nil
		}
	}

	return "", fmt.Errorf("%w for @%s: signer: %v; room info: %v",
		ErrResolutionExhausted, user, signErr, infoErr)
}

func (a *API) cachePut(user, roomID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Put(user, roomID); err != nil {
		a.log.Debug("failed to cache room id for @%s: %v", user, err)
	}
}

// resolveViaSigner is the primary provider: the platform rejects unsigned
// room lookups, so a signing service first mints an authenticated lookup
// URL which is then dereferenced against the platform itself. Both steps
// retry independently.
func (a *API) resolveViaSigner(ctx context.Context, user string) (string, error) {
	signedURL, err := a.retryProvider(ctx, "signing API", func(ctx context.Context) (string, error) {
		return a.signedLookupURL(ctx, user)
	})
	if err != nil {
		return "", err
	}

	return a.retryProvider(ctx, "signed lookup", func(ctx context.Context) (string, error) {
		return a.dereferenceSignedURL(ctx, signedURL, user)
	})
}

func (a *API) signedLookupURL(ctx context.Context, user string) (string, error) {
	body, err := a.client.Get(ctx, a.signerURL+"/tiktok/room/api/sign?unique_id="+url.QueryEscape(user))
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", fmt.Errorf("empty response from signing API for @%s", user)
	}
	if bodyLooksBlocked(body) {
		a.log.Debug("signing API returned non-JSON response: %s", truncate(body, 200))
		return "", fmt.Errorf("signing API returned HTML/blocked response for @%s", user)
	}

	var resp struct {
		SignedPath string `json:"signed_path"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		a.log.Debug("failed to parse JSON from signing API: %s", truncate(body, 200))
		return "", fmt.Errorf("invalid JSON from signing API for @%s", user)
	}
	if resp.SignedPath == "" {
		return "", fmt.Errorf("no signed path in signing API response for @%s", user)
	}
	return a.baseURL + resp.SignedPath, nil
}

// dereferenceSignedURL fetches the signed lookup URL. An intact response
// without a room id means the user is not live — ("", nil), a valid answer.
func (a *API) dereferenceSignedURL(ctx context.Context, signedURL, user string) (string, error) {
	body, err := a.client.Get(ctx, signedURL)
	if err != nil {
		return "", err
	}
	if len(body) == 0 || bodyLooksBlocked(body) {
		a.log.Debug("signed lookup returned non-JSON response for @%s: %s", user, truncate(body, 200))
		return "", fmt.Errorf("signed lookup returned HTML/blocked response for @%s", user)
	}

	var resp struct {
		Data struct {
			User struct {
				RoomID flexID `json:"roomId"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		a.log.Debug("failed to parse signed lookup JSON for @%s: %s", user, truncate(body, 200))
		return "", fmt.Errorf("invalid JSON from signed lookup for @%s", user)
	}
	return string(resp.Data.User.RoomID), nil
}

// resolveViaRoomInfo is the secondary provider: an independent metadata API
// queried directly, no signing step.
func (a *API) resolveViaRoomInfo(ctx context.Context, user string) (string, error) {
	return a.retryProvider(ctx, "room info API", func(ctx context.Context) (string, error) {
		body, err := a.client.Get(ctx, a.roomAPIURL+"/webcast/room_info?uniqueId="+url.QueryEscape(user)+"&giftInfo=false")
		if err != nil {
			return "", err
		}
		if len(body) == 0 {
			return "", fmt.Errorf("empty response from room info API")
		}
		if bodyLooksBlocked(body) {
			a.log.Debug("room info API returned non-JSON response: %s", truncate(body, 200))
			return "", fmt.Errorf("room info API returned HTML/blocked response")
		}

		var resp struct {
			Data struct {
				RoomInfo struct {
					ID flexID `json:"id"`
				} `json:"room_info"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			a.log.Debug("failed to parse room info API JSON: %s", truncate(body, 200))
			return "", fmt.Errorf("invalid JSON from room info API")
		}

		// No id field means the user is simply not live. Valid answer.
		return string(resp.Data.RoomInfo.ID), nil
	})
}

// retryProvider runs one provider step with the configured retry budget and
// a randomized pause between attempts. Exhaustion surfaces as a
// SigningError carrying the last underlying failure.
func (a *API) retryProvider(ctx context.Context, provider string, fn func(context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= a.resolveAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if Classify(err) == KindFatal {
			break
		}
		if attempt == a.resolveAttempts {
			break
		}

		delay := units.JitterBetween(a.retryMinDelay, a.retryMaxDelay)
		a.log.Warn("%s error (attempt %d/%d), retrying in %.1fs: %v",
			provider, attempt, a.resolveAttempts, delay.Seconds(), err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", &SigningError{Provider: provider, Attempts: a.resolveAttempts, Err: lastErr}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
