package recorder

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/grafov/m3u8"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=500000
low.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2000000
high.m3u8
`

func mediaPlaylist(closed bool, segments ...string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for _, s := range segments {
		fmt.Fprintf(&b, "#EXTINF:2.000,\n%s\n", s)
	}
	if closed {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func TestRecordHLSMasterVariantSegments(t *testing.T) {
	p := newFakePlatform(t)
	p.flvPath = ""
	p.hlsPath = "/master.m3u8"

	var lowHits, seg0Hits, polls atomic.Int64

	p.handle("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, masterPlaylist)
	})
	p.handle("/low.m3u8", func(w http.ResponseWriter, r *http.Request) {
		lowHits.Add(1)
		fmt.Fprint(w, mediaPlaylist(false, "seg0.ts"))
	})
	p.handle("/high.m3u8", func(w http.ResponseWriter, r *http.Request) {
		// First poll advertises one segment, the second adds another and
		// ends the broadcast. seg0 must not be downloaded twice.
		if polls.Add(1) == 1 {
			fmt.Fprint(w, mediaPlaylist(false, "seg0.ts"))
			return
		}
		fmt.Fprint(w, mediaPlaylist(true, "seg0.ts", "seg1.ts"))
	})
	p.handle("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		seg0Hits.Add(1)
		fmt.Fprint(w, "AAAA")
	})
	p.handle("/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "BBBB")
	})

	rec, outDir := p.recorder(Config{})

	if err := rec.Record(context.Background(), "7000"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if lowHits.Load() != 0 {
		t.Error("low-bandwidth variant was fetched, want the highest bandwidth only")
	}
	if seg0Hits.Load() != 1 {
		t.Errorf("seg0 fetched %d times, want 1", seg0Hits.Load())
	}

	out := onlyFile(t, outDir)
	if !strings.HasSuffix(out, "_hls.ts") {
		t.Errorf("output file %q, want a _hls.ts suffix", out)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "AAAABBBB" {
		t.Errorf("output = %q, want segments in playlist order", data)
	}
}

func TestRecordHLSEmptyPollSoftEnd(t *testing.T) {
	p := newFakePlatform(t)
	p.flvPath = ""
	p.hlsPath = "/live.m3u8"

	p.handle("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(false, "seg0.ts"))
	})
	p.handle("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "AAAA")
	})

	rec, outDir := p.recorder(Config{HLSMaxEmptyPolls: 2})

	if err := rec.Record(context.Background(), "7000"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	data, err := os.ReadFile(onlyFile(t, outDir))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "AAAA" {
		t.Errorf("output = %q, want the single segment", data)
	}
}

func TestRecordHLSMalformedPlaylistRetried(t *testing.T) {
	p := newFakePlatform(t)
	p.flvPath = ""
	p.hlsPath = "/live.m3u8"

	var polls atomic.Int64
	p.handle("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		// Region block pages arrive as HTTP 200 with an HTML body; one of
		// them must not end the session.
		if polls.Add(1) == 1 {
			fmt.Fprint(w, "<html>access denied</html>")
			return
		}
		fmt.Fprint(w, mediaPlaylist(true, "seg0.ts"))
	})
	p.handle("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "AAAA")
	})

	rec, outDir := p.recorder(Config{})

	if err := rec.Record(context.Background(), "7000"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	data, err := os.ReadFile(onlyFile(t, outDir))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "AAAA" {
		t.Errorf("output = %q, want the segment from the retried poll", data)
	}
}

func TestRecordHLSMalformedPlaylistExhaustsReconnects(t *testing.T) {
	p := newFakePlatform(t)
	p.flvPath = ""
	p.hlsPath = "/live.m3u8"

	p.handle("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>access denied</html>")
	})

	rec, _ := p.recorder(Config{MaxReconnects: 2})

	err := rec.Record(context.Background(), "7000")
	if err == nil || !strings.Contains(err.Error(), "max reconnect attempts (2) reached") {
		t.Fatalf("err = %v, want reconnect exhaustion", err)
	}
}

func TestSeenSetFIFOEviction(t *testing.T) {
	s := newSeenSet(2)
	s.Add("a")
	s.Add("b")
	s.Add("a") // re-adding must not change eviction order
	s.Add("c") // evicts a

	if s.Has("a") {
		t.Error("a still present, want it evicted first")
	}
	if !s.Has("b") || !s.Has("c") {
		t.Error("b and c must survive the eviction")
	}
}

func TestPickBandwidthVariant(t *testing.T) {
	master := m3u8.NewMasterPlaylist()
	master.Variants = []*m3u8.Variant{
		{URI: "mid.m3u8", VariantParams: m3u8.VariantParams{Bandwidth: 1000}},
		{URI: "top-first.m3u8", VariantParams: m3u8.VariantParams{Bandwidth: 5000}},
		{URI: "top-second.m3u8", VariantParams: m3u8.VariantParams{Bandwidth: 5000}},
	}

	if got := pickBandwidthVariant(master); got != "top-first.m3u8" {
		t.Errorf("variant = %q, want the first of the highest-bandwidth pair", got)
	}
}

func TestResolvePlaylistURL(t *testing.T) {
	cases := []struct {
		base, uri, want string
	}{
		{"http://cdn/live/index.m3u8?sig=abc", "seg0.ts", "http://cdn/live/seg0.ts?sig=abc"},
		{"http://cdn/live/index.m3u8", "seg0.ts", "http://cdn/live/seg0.ts"},
		{"http://cdn/live/index.m3u8?sig=abc", "seg0.ts?own=1", "http://cdn/live/seg0.ts?own=1"},
		{"http://cdn/live/index.m3u8?sig=abc", "https://other/abs.ts", "https://other/abs.ts"},
	}
	for _, c := range cases {
		if got := resolvePlaylistURL(c.base, c.uri); got != c.want {
			t.Errorf("resolvePlaylistURL(%q, %q) = %q, want %q", c.base, c.uri, got, c.want)
		}
	}
}
