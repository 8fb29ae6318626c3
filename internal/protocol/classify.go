package protocol

import (
	"errors"
	"io"
	"net"

	"github.com/danmuck/framebus/internal/protocol/dispatch"
	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/protocol/schema"
	"github.com/danmuck/framebus/internal/protocol/validate"
)

// Class groups errors by who has to act on them.
type Class int

const (
	ClassNone Class = iota
	// ClassProgrammer errors come from a caller passing malformed arguments.
	ClassProgrammer
	// ClassTransport errors mean the byte stream itself is unusable.
	ClassTransport
	// ClassPayload errors reject one message; the connection stays up.
	ClassPayload
	// ClassConfig errors abort startup.
	ClassConfig
	ClassDispatch
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassProgrammer:
		return "programmer"
	case ClassTransport:
		return "transport"
	case ClassPayload:
		return "payload"
	case ClassConfig:
		return "config"
	case ClassDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

type classified struct {
	err    error
	class  Class
	reason string
}

var classes = []classified{
	{frame.ErrInvalidKindLength, ClassProgrammer, "invalid_kind_length"},
	{frame.ErrInvalidUUIDLength, ClassProgrammer, "invalid_uuid_length"},
	{frame.ErrFrameTooShort, ClassTransport, "frame_too_short"},
	{frame.ErrFrameTooLarge, ClassTransport, "frame_too_large"},
	{io.EOF, ClassTransport, "eof"},
	{io.ErrUnexpectedEOF, ClassTransport, "unexpected_eof"},
	{net.ErrClosed, ClassTransport, "closed"},
	{kind.ErrUnknownKind, ClassPayload, "unknown_kind"},
	{schema.ErrMalformedJSON, ClassPayload, "malformed_json"},
	{schema.ErrSchemaMismatch, ClassPayload, "schema_mismatch"},
	{validate.ErrZeroID, ClassPayload, "zero_id"},
	{validate.ErrInvalidID, ClassPayload, "invalid_id"},
	{dispatch.ErrPayloadType, ClassPayload, "payload_type"},
	{kind.ErrDuplicateKind, ClassConfig, "duplicate_kind"},
	{kind.ErrInvalidEntry, ClassConfig, "invalid_entry"},
	{dispatch.ErrHandlerExists, ClassConfig, "handler_exists"},
	{dispatch.ErrNoHandler, ClassDispatch, "no_handler"},
	{dispatch.ErrHandlerPanic, ClassDispatch, "handler_panic"},
	{dispatch.ErrStreamFull, ClassDispatch, "stream_full"},
	{dispatch.ErrStreamClosed, ClassDispatch, "stream_closed"},
}

// Classify maps err to its class. Payload errors are checked before
// dispatch ones because handler errors can wrap both.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassUnknown
}

// Reason is a short stable label for err, suitable for metrics.
func Reason(err error) string {
	if err == nil {
		return "none"
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.reason
		}
	}
	return "other"
}

// Fatal reports whether err leaves the connection's byte stream unusable.
func Fatal(err error) bool {
	return Classify(err) == ClassTransport
}
