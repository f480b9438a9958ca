package tiktok

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenStreamStalledUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "some flv bytes")
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		// Hold the connection open without sending anything more.
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientConfig{
		Log:               testLogger(),
		MaxAttempts:       1,
		Backoff:           time.Millisecond,
		StreamIdleTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	body, err := c.OpenStream(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer body.Close()

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 64)
		for {
			if _, rerr := body.Read(buf); rerr != nil {
				errCh <- rerr
				return
			}
		}
	}()

	select {
	case rerr := <-errCh:
		if errors.Is(rerr, io.EOF) {
			t.Fatal("stall surfaced as a clean EOF, want a transport error")
		}
		if !strings.Contains(rerr.Error(), "stalled") {
			t.Errorf("read error = %v, want the stall watchdog", rerr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("read still blocked on a stalled upstream, watchdog never fired")
	}
}
