package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Length-prefixed framing over a byte stream: a 4-byte big-endian
// unsigned length followed by exactly that many bytes of UTF-8 JSON.

// DefaultMaxFrameBytes bounds a single frame on the wire.
const DefaultMaxFrameBytes = 16 << 20

var (
	errOversizeFrame  = errors.New("frame exceeds maximum size")
	errTruncatedFrame = errors.New("stream ended inside a frame")
)

// encodeFrame prepends the 4-byte length header to payload. Fails if
// the payload exceeds maxBytes.
func encodeFrame(payload []byte, maxBytes int) ([]byte, error) {
	if maxBytes > 0 && len(payload) > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d", errOversizeFrame, len(payload), maxBytes)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// frameReader pulls frames off a byte stream one at a time.
type frameReader struct {
	r        io.Reader
	maxBytes int
}

func newFrameReader(r io.Reader, maxBytes int) *frameReader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &frameReader{r: r, maxBytes: maxBytes}
}

// ReadFrame returns the payload of the next frame. A clean EOF at a
// frame boundary returns io.EOF; EOF inside a header or payload is a
// framing error. An oversize length header fails before any payload
// bytes are consumed.
func (fr *frameReader) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	n, err := io.ReadFull(fr.r, hdr[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: short length prefix: %v", errTruncatedFrame, err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if int(length) > fr.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d", errOversizeFrame, length, fr.maxBytes)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("%w: short payload: %v", errTruncatedFrame, err)
	}
	return payload, nil
}

// writeFrame writes one already-encoded frame in a single call so the
// header and payload cannot interleave with another writer.
func writeFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}
