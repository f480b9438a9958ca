package recorder

import "io"

// defaultBufferSize is the flush threshold for the in-memory write buffer.
const defaultBufferSize = 512 * 1024

// diskBuffer accumulates stream bytes in memory and flushes them to the
// underlying writer once the accumulated size reaches the threshold. The
// recording loop calls Flush once more on every exit path, so a partial
// file is always valid up to the last flush.
type diskBuffer struct {
	w         io.Writer
	buf       []byte
	threshold int
	written   int64

	onFlush func(n int) // optional, called after each flush
}

func newDiskBuffer(w io.Writer, threshold int) *diskBuffer {
	if threshold <= 0 {
		threshold = defaultBufferSize
	}
	return &diskBuffer{
		w:         w,
		buf:       make([]byte, 0, threshold),
		threshold: threshold,
	}
}

// Write appends p to the buffer and flushes when the accumulated bytes
// reach the threshold.
func (b *diskBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) >= b.threshold {
		if err := b.Flush(); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush writes any buffered bytes to the underlying writer. Flushing an
// empty buffer is a no-op.
func (b *diskBuffer) Flush() error {
	if len(b.buf) == 0 {
		return nil
	}
	n, err := b.w.Write(b.buf)
	b.written += int64(n)
	b.buf = b.buf[:0]
	if err != nil {
		return err
	}
	if b.onFlush != nil {
		b.onFlush(n)
	}
	return nil
}

// Written returns the total bytes flushed to the underlying writer.
func (b *diskBuffer) Written() int64 { return b.written }

// Buffered returns the bytes currently held in memory.
func (b *diskBuffer) Buffered() int { return len(b.buf) }
