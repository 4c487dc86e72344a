package ironmon

import (
	"bytes"
)

// MaxMessageBytes bounds a single framed message.
const MaxMessageBytes = 1 << 20

// Framer incrementally parses the IronMON Connect wire format: ASCII
// "LEN SP JSON", possibly concatenated and split arbitrarily across reads.
// A non-numeric or oversized LEN drops the buffer through the offending
// space and resyncs on whatever follows.
type Framer struct {
	buf []byte
}

// Feed appends p and returns every complete message now available, in wire
// order. Partial trailing data is retained for the next call.
func (f *Framer) Feed(p []byte) [][]byte {
	f.buf = append(f.buf, p...)

	var out [][]byte
	for {
		sp := bytes.IndexByte(f.buf, ' ')
		if sp < 0 {
			// No length terminator yet. A buffer that can no longer be a
			// valid length prefix is garbage; drop it.
			if len(f.buf) > 20 || !allDigits(f.buf) {
				f.buf = nil
			}
			return out
		}

		length, ok := parseLen(f.buf[:sp])
		if !ok || length > MaxMessageBytes {
			// Resync past the bad token.
			f.buf = f.buf[sp+1:]
			continue
		}

		rest := f.buf[sp+1:]
		if len(rest) < length {
			return out // wait for more bytes
		}

		msg := make([]byte, length)
		copy(msg, rest[:length])
		out = append(out, msg)
		f.buf = append(f.buf[:0:0], rest[length:]...)
	}
}

// Pending returns how many bytes are buffered awaiting completion.
func (f *Framer) Pending() int { return len(f.buf) }

func parseLen(b []byte) (int, bool) {
	if len(b) == 0 || !allDigits(b) {
		return 0, false
	}
	n := 0
	for _, c := range b {
		n = n*10 + int(c-'0')
		if n > MaxMessageBytes {
			return 0, false
		}
	}
	return n, true
}

func allDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(b) > 0
}
