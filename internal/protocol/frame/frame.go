package frame

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/framebus/internal/protocol/msgid"
)

const (
	KindLen   = 4
	IDLen     = msgid.Len
	HeaderLen = KindLen + IDLen
)

var (
	ErrInvalidKindLength = errors.New("frame: invalid kind length")
	ErrInvalidUUIDLength = errors.New("frame: invalid uuid length")
	ErrFrameTooShort     = errors.New("frame: too short for header")
	ErrInvalidKindText   = errors.New("frame: invalid kind text")
	// ErrFrameTooLarge is returned by transports enforcing a size limit.
	ErrFrameTooLarge = errors.New("frame: exceeds size limit")
)

// Kind is the opaque 4-byte message kind code.
type Kind [KindLen]byte

// KindFromUint32 builds a kind from its big-endian numeric form.
func KindFromUint32(v uint32) Kind {
	var k Kind
	binary.BigEndian.PutUint32(k[:], v)
	return k
}

func (k Kind) Uint32() uint32 {
	return binary.BigEndian.Uint32(k[:])
}

func (k Kind) String() string {
	return fmt.Sprintf("0x%08x", k.Uint32())
}

// ParseKind accepts "0x0000000a" or "0000000a".
func ParseKind(s string) (Kind, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(raw) != 2*KindLen {
		return Kind{}, fmt.Errorf("%w: %q", ErrInvalidKindText, s)
	}
	var k Kind
	if _, err := hex.Decode(k[:], []byte(raw)); err != nil {
		return Kind{}, fmt.Errorf("%w: %q", ErrInvalidKindText, s)
	}
	return k, nil
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Frame is one decoded wire unit. It lives for a single encode or decode cycle.
type Frame struct {
	Kind    Kind
	ID      msgid.ID
	Payload []byte
}

// Len is the encoded size of f.
func (f Frame) Len() int {
	return HeaderLen + len(f.Payload)
}

// Bytes encodes f.
func (f Frame) Bytes() []byte {
	return AppendFrame(make([]byte, 0, f.Len()), f)
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = append(dst, f.Kind[:]...)
	dst = append(dst, f.ID[:]...)
	return append(dst, f.Payload...)
}

// Encode lays out kind, uuid and payload in wire order. Payload length is not checked.
func Encode(kind, uuid, payload []byte) ([]byte, error) {
	if len(kind) != KindLen {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKindLength, len(kind))
	}
	if len(uuid) != IDLen {
		return nil, fmt.Errorf("%w: %d", ErrInvalidUUIDLength, len(uuid))
	}
	buf := make([]byte, HeaderLen+len(payload))
	copy(buf[0:KindLen], kind)
	copy(buf[KindLen:HeaderLen], uuid)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Decode splits b into header fields and payload. The payload is never inspected.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(b))
	}
	var f Frame
	copy(f.Kind[:], b[0:KindLen])
	copy(f.ID[:], b[KindLen:HeaderLen])
	f.Payload = make([]byte, len(b)-HeaderLen)
	copy(f.Payload, b[HeaderLen:])
	return f, nil
}
