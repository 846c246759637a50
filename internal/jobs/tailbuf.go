package jobs

// tailBuffer keeps the last limit bytes written to it. Truncation happens
// on every append, never deferred to read time.
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Append(chunk []byte) {
	if b.limit <= 0 {
		b.buf = append(b.buf, chunk...)
		return
	}
	if len(chunk) >= b.limit {
		b.buf = append(b.buf[:0], chunk[len(chunk)-b.limit:]...)
		return
	}
	b.buf = append(b.buf, chunk...)
	if overflow := len(b.buf) - b.limit; overflow > 0 {
		b.buf = append(b.buf[:0], b.buf[overflow:]...)
	}
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
