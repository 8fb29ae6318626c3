// Package multiply is the request/response service exchanged over the bus:
// a responder that multiplies values and a sender that tracks, checks and
// resends its requests.
package multiply

import (
	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/protocol/schema"
)

var (
	KindPing     = frame.KindFromUint32(0x00000001)
	KindRequest  = frame.KindFromUint32(0x00000002)
	KindResponse = frame.KindFromUint32(0x00000003)
	KindPong     = frame.KindFromUint32(0x00000004)
)

type Ping struct {
	Seq int64 `json:"seq"`
}

type Pong struct {
	Seq int64 `json:"seq"`
}

// Request is ValueMultiplicationRequest.
type Request struct {
	Value      int64 `json:"value"`
	Multiplier int64 `json:"multiplier"`
}

// Response is ValueMultiplicationResponse.
type Response struct {
	Result int64 `json:"result"`
}

// Register adds the four builtin kinds to reg.
func Register(reg *kind.Registry) error {
	entries := []struct {
		kind frame.Kind
		name string
		dec  kind.Decoder
	}{
		{KindPing, "Ping", schema.MustTyped[Ping]("Ping", schema.TypedOptions{})},
		{KindRequest, "ValueMultiplicationRequest", schema.MustTyped[Request]("ValueMultiplicationRequest", schema.TypedOptions{})},
		{KindResponse, "ValueMultiplicationResponse", schema.MustTyped[Response]("ValueMultiplicationResponse", schema.TypedOptions{})},
		{KindPong, "Pong", schema.MustTyped[Pong]("Pong", schema.TypedOptions{})},
	}
	for _, e := range entries {
		if err := reg.Register(e.kind, e.name, e.dec); err != nil {
			return err
		}
	}
	return nil
}

// Kinds lists the builtin kinds in code order.
func Kinds() []frame.Kind {
	return []frame.Kind{KindPing, KindRequest, KindResponse, KindPong}
}
