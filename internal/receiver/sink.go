package receiver

import "context"

// Sink consumes completed pieces.
// data is a view into a pooled buffer and is only valid for the duration of
// the call; a Sink that keeps it must copy it.
type Sink interface {
	Consume(ctx context.Context, infoHash [20]byte, index uint32, data []byte) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, infoHash [20]byte, index uint32, data []byte) error

// Consume calls f
func (f SinkFunc) Consume(ctx context.Context, infoHash [20]byte, index uint32, data []byte) error {
	return f(ctx, infoHash, index, data)
}

// Discard accepts every piece and keeps nothing
var Discard Sink = SinkFunc(func(context.Context, [20]byte, uint32, []byte) error { return nil })
