package measurer

import (
	"io"
	"sync/atomic"
)

const (
	payloadPrefix   = "content1="
	payloadAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Payload is an upload body of a fixed size: a form field prefix followed
// by a repeating alphanumeric sequence. It is generated on the fly.
type Payload struct {
	size int64
	sent atomic.Int64
}

// NewPayload returns a Payload of exactly size bytes.
func NewPayload(size int64) *Payload {
	return &Payload{size: size}
}

// Read implements io.Reader.
func (p *Payload) Read(b []byte) (int, error) {
	off := p.sent.Load()
	if off >= p.size {
		return 0, io.EOF
	}
	n := 0
	for n < len(b) && off < p.size {
		if off < int64(len(payloadPrefix)) {
			b[n] = payloadPrefix[off]
		} else {
			b[n] = payloadAlphabet[(off-int64(len(payloadPrefix)))%int64(len(payloadAlphabet))]
		}
		n++
		off++
	}
	p.sent.Add(int64(n))
	return n, nil
}

// Sent returns the number of bytes read so far.
func (p *Payload) Sent() int64 {
	return p.sent.Load()
}
