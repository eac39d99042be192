package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// ChatCompletionChunk is one server-sent event of an OpenAI-compatible
// streaming completion.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// DeltaText returns choices[0].delta.content, or "" when the chunk has none.
func (c ChatCompletionChunk) DeltaText() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// ChunkIterator decodes an SSE completion body one chunk at a time. Close
// releases the engine slot held by the completion and is safe to call more
// than once.
type ChunkIterator struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	release func()
	once    sync.Once
	done    bool
}

func newChunkIterator(body io.ReadCloser, release func()) *ChunkIterator {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ChunkIterator{body: body, scanner: sc, release: release}
}

// Next returns the next chunk. done is true once the server sent [DONE].
// A body that ends without [DONE] yields io.ErrUnexpectedEOF.
func (it *ChunkIterator) Next(ctx context.Context) (ChatCompletionChunk, bool, error) {
	if it.done {
		return ChatCompletionChunk{}, true, nil
	}
	for it.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return ChatCompletionChunk{}, false, err
		}
		line := bytes.TrimSpace(it.scanner.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			// blank separators, comments and event/id fields
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(payload, doneMarker) {
			it.done = true
			return ChatCompletionChunk{}, true, nil
		}
		var chunk ChatCompletionChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			return ChatCompletionChunk{}, false, fmt.Errorf("decode completion chunk: %w", err)
		}
		return chunk, false, nil
	}
	if err := it.scanner.Err(); err != nil {
		return ChatCompletionChunk{}, false, fmt.Errorf("read completion stream: %w", err)
	}
	return ChatCompletionChunk{}, false, io.ErrUnexpectedEOF
}

func (it *ChunkIterator) Close() error {
	var err error
	it.once.Do(func() {
		err = it.body.Close()
		if it.release != nil {
			it.release()
		}
	})
	return err
}
