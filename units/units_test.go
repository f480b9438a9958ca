package units

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"01:30:00", 90 * time.Minute},
		{"00:00:45", 45 * time.Second},
		{"1h30m", 90 * time.Minute},
		{"5m", 5 * time.Minute},
		{"30s", 30 * time.Second},
		{"2H", 2 * time.Hour},
		{"90", 90 * time.Minute},
		{"0.5", 30 * time.Second},
		{" 10 ", 10 * time.Minute},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseDuration(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestParseDurationRejects(t *testing.T) {
	for _, in := range []string{"", "abc", "-5m", "-10", "-01:00:00"} {
		if d, err := ParseDuration(in); err == nil {
			t.Errorf("ParseDuration(%q) = %s, want error", in, d)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00"},
		{61 * time.Second, "00:01:01"},
		{90 * time.Minute, "01:30:00"},
		{25*time.Hour + 2*time.Second, "25:00:02"},
		{1500 * time.Millisecond, "00:00:01"},
	}
	for _, c := range cases {
		if got := FormatDuration(c.in); got != c.want {
			t.Errorf("FormatDuration(%s) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}
	for _, c := range cases {
		if got := FormatBytes(c.in); got != c.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	base := time.Minute
	for i := 0; i < 1000; i++ {
		d := Jitter(base, 0.7, 1.3)
		if d < 42*time.Second || d > 78*time.Second {
			t.Fatalf("Jitter = %s, want within [42s, 78s]", d)
		}
	}
}

func TestJitterDegenerate(t *testing.T) {
	if d := Jitter(0, 0.7, 1.3); d != 0 {
		t.Errorf("Jitter(0) = %s, want 0", d)
	}
	if d := Jitter(time.Minute, 1.3, 0.7); d != time.Minute {
		t.Errorf("Jitter with inverted bounds = %s, want the base", d)
	}
}

func TestJitterBetweenBounds(t *testing.T) {
	lo, hi := time.Second, 3*time.Second
	for i := 0; i < 1000; i++ {
		d := JitterBetween(lo, hi)
		if d < lo || d >= hi {
			t.Fatalf("JitterBetween = %s, want within [1s, 3s)", d)
		}
	}
	if d := JitterBetween(hi, lo); d != hi {
		t.Errorf("JitterBetween with inverted bounds = %s, want min", d)
	}
}
