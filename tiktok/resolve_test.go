package tiktok

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whisper-darkly/tiktok-recorder/logger"
	"github.com/whisper-darkly/tiktok-recorder/roomcache"
)

func testLogger() *logger.Logger {
	return logger.New(logger.LevelFatal)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Log:         testLogger(),
		MaxAttempts: 1,
		Backoff:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func newTestCache(t *testing.T) *roomcache.Cache {
	t.Helper()
	return roomcache.New(filepath.Join(t.TempDir(), "cache.json"))
}

// resolveFixture wires an API against fake signer, platform and room-info
// upstreams with a tiny retry budget.
type resolveFixture struct {
	api   *API
	cache *roomcache.Cache

	signerCalls  atomic.Int64
	derefCalls   atomic.Int64
	roomAPICalls atomic.Int64
}

func newResolveFixture(t *testing.T, signer, deref, roomInfo http.HandlerFunc) *resolveFixture {
	t.Helper()
	f := &resolveFixture{cache: newTestCache(t)}

	signerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.signerCalls.Add(1)
		signer(w, r)
	}))
	t.Cleanup(signerSrv.Close)

	baseSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.derefCalls.Add(1)
		deref(w, r)
	}))
	t.Cleanup(baseSrv.Close)

	roomSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.roomAPICalls.Add(1)
		roomInfo(w, r)
	}))
	t.Cleanup(roomSrv.Close)

	f.api = New(Config{
		Client:          newTestClient(t),
		Cache:           f.cache,
		Log:             testLogger(),
		BaseURL:         baseSrv.URL,
		SignerURL:       signerSrv.URL,
		RoomAPIURL:      roomSrv.URL,
		ResolveAttempts: 3,
		RetryMinDelay:   time.Millisecond,
		RetryMaxDelay:   2 * time.Millisecond,
	})
	return f
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}
}

func TestResolveSignerSuccessWritesCache(t *testing.T) {
	f := newResolveFixture(t,
		jsonHandler(`{"signed_path": "/signed/lookup?x=1"}`),
		jsonHandler(`{"data": {"user": {"roomId": "12345"}}}`),
		jsonHandler(`{}`),
	)

	roomID, err := f.api.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if roomID != "12345" {
		t.Errorf("roomID = %q, want 12345", roomID)
	}
	if f.roomAPICalls.Load() != 0 {
		t.Errorf("secondary provider was called %d times, want 0", f.roomAPICalls.Load())
	}
	if cached, ok := f.cache.Get("alice"); !ok || cached != "12345" {
		t.Errorf("cache = (%q, %v), want (12345, true)", cached, ok)
	}
}

func TestResolveSignerNotLiveShortCircuits(t *testing.T) {
	f := newResolveFixture(t,
		jsonHandler(`{"signed_path": "/signed/lookup"}`),
		jsonHandler(`{"data": {"user": {}}}`), // intact response, no roomId: not live
		jsonHandler(`{"data": {"room_info": {"id": "should-not-be-used"}}}`),
	)

	roomID, err := f.api.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if roomID != "" {
		t.Errorf("roomID = %q, want empty (not live)", roomID)
	}
	if f.roomAPICalls.Load() != 0 {
		t.Errorf("secondary provider was called after a definitive not-live")
	}
	if _, ok := f.cache.Get("alice"); ok {
		t.Errorf("not-live result was written to cache")
	}
}

func TestResolveBlockedSignerFallsBackToRoomInfoNotLive(t *testing.T) {
	f := newResolveFixture(t,
		jsonHandler(`<!DOCTYPE html><html>Please wait...</html>`),
		jsonHandler(`{}`),
		jsonHandler(`{"data": {"room_info": {}}}`), // no id field: not live
	)

	roomID, err := f.api.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if roomID != "" {
		t.Errorf("roomID = %q, want empty (not live)", roomID)
	}
	if got := f.signerCalls.Load(); got != 3 {
		t.Errorf("signer attempts = %d, want the full retry budget of 3", got)
	}
	if _, ok := f.cache.Get("alice"); ok {
		t.Errorf("cache was touched by a not-live result")
	}
}

func TestResolveRoomInfoNumericID(t *testing.T) {
	f := newResolveFixture(t,
		jsonHandler(`<html>blocked</html>`),
		jsonHandler(`{}`),
		jsonHandler(`{"data": {"room_info": {"id": 7766}}}`),
	)

	roomID, err := f.api.Resolve(context.Background(), "Bob")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if roomID != "7766" {
		t.Errorf("roomID = %q, want 7766", roomID)
	}
	if cached, ok := f.cache.Get("bob"); !ok || cached != "7766" {
		t.Errorf("cache = (%q, %v), want (7766, true)", cached, ok)
	}
}

func TestResolveCacheFallbackAfterBothProvidersFail(t *testing.T) {
	f := newResolveFixture(t,
		jsonHandler(`<html>blocked</html>`),
		jsonHandler(`{}`),
		jsonHandler(``), // empty body: provider error
	)
	if err := f.cache.Put("alice", "999"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	roomID, err := f.api.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if roomID != "999" {
		t.Errorf("roomID = %q, want cached 999", roomID)
	}
}

func TestResolveCancelledContextSkipsCache(t *testing.T) {
	f := newResolveFixture(t,
		jsonHandler(`<html>blocked</html>`),
		jsonHandler(`{}`),
		jsonHandler(`<html>blocked</html>`),
	)
	if err := f.cache.Put("alice", "999"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	roomID, err := f.api.Resolve(ctx, "alice")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if roomID != "" {
		t.Errorf("roomID = %q, want empty: a cancelled lookup must not report a stale id", roomID)
	}
}

func TestResolveExhausted(t *testing.T) {
	f := newResolveFixture(t,
		jsonHandler(`not json at all {{`),
		jsonHandler(`{}`),
		jsonHandler(`<html></html>`),
	)

	_, err := f.api.Resolve(context.Background(), "alice")
	if !errors.Is(err, ErrResolutionExhausted) {
		t.Fatalf("err = %v, want ErrResolutionExhausted", err)
	}
}

func TestRetryProviderStopsOnCancel(t *testing.T) {
	f := newResolveFixture(t,
		jsonHandler(`<html>blocked</html>`),
		jsonHandler(`{}`),
		jsonHandler(`{}`),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.api.Resolve(ctx, "alice")
	if err == nil {
		t.Fatal("Resolve succeeded with a cancelled context")
	}
}
