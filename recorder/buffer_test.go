package recorder

import (
	"bytes"
	"testing"
)

// recordingWriter records the size of every write it receives.
type recordingWriter struct {
	bytes.Buffer
	writes []int
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, len(p))
	return w.Buffer.Write(p)
}

func TestDiskBufferFlushesAtThreshold(t *testing.T) {
	var sink recordingWriter
	buf := newDiskBuffer(&sink, 512*1024)

	chunk := make([]byte, 300*1024)
	if _, err := buf.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if len(sink.writes) != 0 {
		t.Fatalf("flushed after 300KiB, want nothing below the threshold")
	}
	if buf.Buffered() != 300*1024 {
		t.Fatalf("Buffered = %d, want %d", buf.Buffered(), 300*1024)
	}

	if _, err := buf.Write(chunk); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if len(sink.writes) != 1 || sink.writes[0] != 600*1024 {
		t.Fatalf("writes = %v, want a single 600KiB flush", sink.writes)
	}
	if buf.Buffered() != 0 {
		t.Errorf("Buffered = %d after flush, want 0", buf.Buffered())
	}
	if buf.Written() != 600*1024 {
		t.Errorf("Written = %d, want %d", buf.Written(), 600*1024)
	}
}

func TestDiskBufferExitFlush(t *testing.T) {
	var sink recordingWriter
	buf := newDiskBuffer(&sink, 1024)

	if _, err := buf.Write([]byte("tail bytes")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := buf.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := sink.String(); got != "tail bytes" {
		t.Errorf("sink = %q, want %q", got, "tail bytes")
	}

	// Flushing again with nothing buffered must not touch the writer.
	if err := buf.Flush(); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if len(sink.writes) != 1 {
		t.Errorf("writes = %v, want exactly one", sink.writes)
	}
}

func TestDiskBufferOnFlushCallback(t *testing.T) {
	var sink bytes.Buffer
	buf := newDiskBuffer(&sink, 4)

	var flushed int
	buf.onFlush = func(n int) { flushed += n }

	if _, err := buf.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if flushed != 6 {
		t.Errorf("onFlush total = %d, want 6", flushed)
	}
}
