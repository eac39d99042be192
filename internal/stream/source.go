// Package stream consumes a streamed model answer chunk by chunk and applies
// it to the conversation.
package stream

import (
	"context"
	"io"
	"sync"

	"coursechat/internal/engine"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const readBufferSize = 4096

// Source is one transport delivering a model answer. Next returns the next
// text delta; done reports that the transport signalled completion.
// Returning io.EOF without ever reporting done means the transport was
// exhausted early.
type Source interface {
	Next(ctx context.Context) (text string, done bool, err error)
	Abort()
}

// HTTPByteStream reads a UTF-8 text body from a hosted endpoint. Multi-byte
// characters split across reads are held until complete.
type HTTPByteStream struct {
	body   io.ReadCloser
	r      io.Reader
	cancel context.CancelFunc
	buf    []byte
	once   sync.Once
}

// NewHTTPByteStream wraps a response body. cancel aborts the request that
// produced it and may be nil.
func NewHTTPByteStream(body io.ReadCloser, cancel context.CancelFunc) *HTTPByteStream {
	return &HTTPByteStream{
		body:   body,
		r:      transform.NewReader(body, unicode.UTF8.NewDecoder()),
		cancel: cancel,
		buf:    make([]byte, readBufferSize),
	}
}

func (s *HTTPByteStream) Next(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	n, err := s.r.Read(s.buf)
	text := string(s.buf[:n])
	if err == io.EOF {
		s.close()
		return text, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

func (s *HTTPByteStream) Abort() {
	s.close()
}

func (s *HTTPByteStream) close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.body.Close()
	})
}

// ChunkIterator yields structured completion chunks from a local engine.
type ChunkIterator interface {
	Next(ctx context.Context) (engine.ChatCompletionChunk, bool, error)
	Close() error
}

// EngineChunkStream reads the delta text out of local engine chunks.
type EngineChunkStream struct {
	it ChunkIterator
}

func NewEngineChunkStream(it ChunkIterator) *EngineChunkStream {
	return &EngineChunkStream{it: it}
}

func (s *EngineChunkStream) Next(ctx context.Context) (string, bool, error) {
	chunk, done, err := s.it.Next(ctx)
	if err != nil {
		return "", false, err
	}
	if done {
		s.it.Close()
		return "", true, nil
	}
	return chunk.DeltaText(), false, nil
}

// Abort stops reading; the engine has no cancel primitive beyond releasing
// the iterator.
func (s *EngineChunkStream) Abort() {
	s.it.Close()
}
