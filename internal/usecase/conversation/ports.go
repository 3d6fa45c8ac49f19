package conversation

import (
	"context"
	"io"

	"testscribe/internal/domain"
)

// Persistence stores the client state blobs.
type Persistence interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Response is a chat reply as handed over by a transport. Body is read
// until EOF or until the request context is cancelled.
type Response struct {
	ContentType string
	Body        io.ReadCloser
}

// ChatTransport sends one chat turn to the server.
type ChatTransport interface {
	Send(ctx context.Context, req domain.ChatTurnRequest) (*Response, error)
}

// Decoder consumes a streamed reply incrementally.
type Decoder interface {
	Feed(chunk []byte)
	Finish()
	Snapshot() domain.StreamSnapshot
}

// DecoderFunc returns the decoder for a response Content-Type, or false
// when the body is a single JSON document rather than a stream.
type DecoderFunc func(contentType string) (Decoder, bool)
