package frame

import "encoding/binary"

// Decoder accumulates response bytes across reads and decides validity once
// the declared frame length has arrived.
type Decoder struct {
	function byte
	buf      []byte
}

// NewDecoder creates an empty decoder for the reply to a request with the
// given function code. Length rules follow the requested function, so a
// corrupted function byte in the reply fails the CRC instead of changing the
// expected length.
func NewDecoder(function byte) *Decoder {
	return &Decoder{function: function, buf: make([]byte, 0, MaxFrameSize)}
}

// Write appends received bytes. Bytes beyond MaxFrameSize are discarded.
func (d *Decoder) Write(p []byte) (int, error) {
	room := MaxFrameSize - len(d.buf)
	if room < len(p) {
		p = p[:room]
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Len returns the number of buffered bytes.
func (d *Decoder) Len() int {
	return len(d.buf)
}

// Bytes returns the buffered bytes. The slice is only valid until the next Write.
func (d *Decoder) Bytes() []byte {
	return d.buf
}

// Reset discards all buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Frame returns the complete frame once enough bytes have arrived.
// It returns ErrIncomplete while waiting and ErrChecksumMismatch if the
// complete frame fails validation.
func (d *Decoder) Frame() ([]byte, error) {
	if len(d.buf) < MinResponseSize {
		return nil, ErrIncomplete
	}
	n, ok := ExpectedLength(d.function, d.buf)
	if !ok || len(d.buf) < n {
		return nil, ErrIncomplete
	}

	frame := d.buf[:n]
	got := binary.LittleEndian.Uint16(frame[n-crcSize:])
	if got != CRC16(frame[:n-crcSize]) {
		return nil, ErrChecksumMismatch
	}

	out := make([]byte, n)
	copy(out, frame)
	return out, nil
}
