package cookies

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromString(t *testing.T) {
	jar := FromString("sessionid_ss=abc123; tt_csrf=xyz;  extra = spaced ")

	vals := jar.Values()
	if vals["sessionid_ss"] != "abc123" {
		t.Errorf("sessionid_ss = %q, want abc123", vals["sessionid_ss"])
	}
	if vals["tt_csrf"] != "xyz" {
		t.Errorf("tt_csrf = %q, want xyz", vals["tt_csrf"])
	}
	if vals["extra"] != "spaced" {
		t.Errorf("extra = %q, want whitespace trimmed", vals["extra"])
	}
	if jar.Count() != 3 {
		t.Errorf("Count = %d, want 3", jar.Count())
	}
}

func TestFromStringSkipsMalformedPairs(t *testing.T) {
	jar := FromString("good=1; justakey; =novalue; ")
	if jar.Count() != 1 {
		t.Errorf("Count = %d, want only the well-formed pair", jar.Count())
	}
}

func TestHeaderSorted(t *testing.T) {
	jar := FromString("zeta=2; alpha=1")
	if got := jar.Header(); got != "alpha=1; zeta=2" {
		t.Errorf("Header = %q, want sorted keys", got)
	}
}

func TestEmptyJar(t *testing.T) {
	jar := Empty()
	if jar.Count() != 0 {
		t.Errorf("Count = %d, want 0", jar.Count())
	}
	if h := jar.Header(); h != "" {
		t.Errorf("Header = %q, want empty", h)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("Load on a missing file succeeded, want error")
	}
}

func TestSetSessionPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	if err := os.WriteFile(path, []byte(`{"tt_csrf": "xyz"}`), 0600); err != nil {
		t.Fatalf("seed cookie file: %v", err)
	}

	jar, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := jar.SetSession("fresh-session"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	vals := reloaded.Values()
	if vals[SessionCookie] != "fresh-session" {
		t.Errorf("%s = %q, want the persisted session", SessionCookie, vals[SessionCookie])
	}
	if vals["tt_csrf"] != "xyz" {
		t.Errorf("tt_csrf = %q, want the original cookie preserved", vals["tt_csrf"])
	}
}

func TestSetSessionWithoutFile(t *testing.T) {
	jar := Empty()
	if err := jar.SetSession("mem-only"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if jar.Values()[SessionCookie] != "mem-only" {
		t.Error("session cookie not set on a memory-only jar")
	}
}
