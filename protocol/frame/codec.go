package frame

// Decoder splits a byte stream into frames across arbitrary read boundaries.
//
// Errors are sticky: framing is not self-resynchronizing, so once a header or
// trailer fails validation every later Feed returns the same error.
type Decoder struct {
	limits Limits
	buf    []byte
	err    error
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed appends p to the pending bytes and returns every frame completed by it.
// Frames completed before a corrupt one are returned alongside the error.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, p...)

	var out []Frame
	for {
		f, n, err := d.next()
		if err != nil {
			d.err = err
			d.buf = nil
			return out, err
		}
		if n == 0 {
			break
		}
		out = append(out, f)
		d.buf = d.buf[n:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out, nil
}

// next returns the first complete frame in the buffer and its wire size,
// or a zero size when more bytes are needed.
func (d *Decoder) next() (Frame, int, error) {
	if len(d.buf) < HeaderLen {
		return Frame{}, 0, nil
	}
	h := decodeHeader(d.buf[:HeaderLen])
	if _, err := h.payloadLen(d.limits); err != nil {
		return Frame{}, 0, err
	}
	total := int(h.length) + d.limits.trailerLen()
	if len(d.buf) < total {
		return Frame{}, 0, nil
	}
	f, err := build(h, d.buf[:total], d.limits)
	if err != nil {
		return Frame{}, 0, err
	}
	return f, total, nil
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) Err() error {
	return d.err
}
