package transport

import (
	"encoding/binary"
	"io"

	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/pkg/errors"
)

// DefaultMaxFrameBytes bounds one frame, header included.
const DefaultMaxFrameBytes = 8 << 20

const lengthPrefixLen = 4

// ErrFrameTooLarge is returned when a frame exceeds Limits.MaxFrameBytes.
var ErrFrameTooLarge = frame.ErrFrameTooLarge

type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: DefaultMaxFrameBytes}
}

func (l Limits) max() int {
	if l.MaxFrameBytes <= 0 {
		return DefaultMaxFrameBytes
	}
	return l.MaxFrameBytes
}

// WriteFrame writes b preceded by its 4-byte big-endian length.
func WriteFrame(w io.Writer, b []byte, limits Limits) error {
	if len(b) > limits.max() {
		return errors.Wrapf(ErrFrameTooLarge, "write %d bytes, limit %d", len(b), limits.max())
	}
	buf := make([]byte, lengthPrefixLen+len(b))
	binary.BigEndian.PutUint32(buf[:lengthPrefixLen], uint32(len(b)))
	copy(buf[lengthPrefixLen:], b)
	if _, err := w.Write(buf); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. Lengths below the frame
// header are returned as-is so the codec reports them; nothing is padded.
// A clean end of stream before the prefix is io.EOF.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [lengthPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read length prefix")
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if uint64(n) > uint64(limits.max()) {
		return nil, errors.Wrapf(ErrFrameTooLarge, "declared %d bytes, limit %d", n, limits.max())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(err, "read %d byte frame", n)
	}
	return b, nil
}
