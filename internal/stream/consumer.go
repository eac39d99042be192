package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"coursechat/internal/citation"
	"coursechat/internal/domain"

	"github.com/google/uuid"
)

// ErrStreamEndedEarly means the transport ran out without signalling done.
var ErrStreamEndedEarly = errors.New("LLM response stream ended before it was done")

// Publisher receives every intermediate conversation snapshot.
type Publisher interface {
	PublishConversation(conv domain.Conversation)
}

// PublisherFunc adapts a plain function to Publisher.
type PublisherFunc func(conv domain.Conversation)

func (f PublisherFunc) PublishConversation(conv domain.Conversation) { f(conv) }

// Result describes how a stream ended.
type Result struct {
	Conversation domain.Conversation
	Cancelled    bool
	Chunks       int
	Resolved     int
	Unresolved   int
}

// Consumer applies a streamed answer to a conversation.
type Consumer struct {
	publisher Publisher
	resolver  citation.LinkResolver
	stop      *StopFlag
	logger    *slog.Logger
	newID     func() string
}

type ConsumerConfig struct {
	Publisher Publisher
	Resolver  citation.LinkResolver
	Stop      *StopFlag
	Logger    *slog.Logger
	NewID     func() string // message id generator (default: uuid v4)
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Publisher == nil {
		cfg.Publisher = PublisherFunc(func(domain.Conversation) {})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Consumer{
		publisher: cfg.Publisher,
		resolver:  cfg.Resolver,
		stop:      cfg.Stop,
		logger:    cfg.Logger,
		newID:     cfg.NewID,
	}
}

// Consume reads src until it reports done. The first chunk appends a new
// assistant message; every chunk is run through the citation processor and
// the accumulated answer replaces that message's content. Chunks are applied
// strictly in arrival order and each update is published.
//
// A stop request aborts the transport and returns a cancelled result with a
// nil error. The returned conversation is a copy; conv is not modified.
func (c *Consumer) Consume(ctx context.Context, conv domain.Conversation, src Source) (Result, error) {
	conv = conv.Clone()

	var (
		contexts []domain.ContextItem
		feedback *domain.Feedback
	)
	if u := conv.LastUserMessage(); u != nil {
		contexts = u.Contexts
		feedback = u.Feedback
	}

	proc := citation.NewProcessor(citation.ProcessorConfig{
		Contexts: contexts,
		Resolver: c.resolver,
		Logger:   c.logger,
	})

	var (
		answer strings.Builder
		first  = true
		done   bool
		chunks int
	)
	result := func(cancelled bool) Result {
		resolved, unresolved := proc.Stats()
		return Result{
			Conversation: conv,
			Cancelled:    cancelled,
			Chunks:       chunks,
			Resolved:     resolved,
			Unresolved:   unresolved,
		}
	}

	stopped := func() Result {
		src.Abort()
		if !first {
			answer.WriteString(proc.Flush())
			conv.Messages[len(conv.Messages)-1].Content = answer.String()
		}
		c.logger.Info("stream stopped by user", "conversation", conv.ID, "chunks", chunks)
		return result(true)
	}

	// A stop aborts a read that is blocked waiting for the next chunk.
	release := c.stop.Watch(src.Abort)
	defer release()

	for !done {
		if c.stop.Stopped() {
			return stopped(), nil
		}

		text, isDone, err := src.Next(ctx)
		if err != nil {
			if c.stop.Stopped() {
				// the read failed because the stop aborted it
				return stopped(), nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return result(false), ErrStreamEndedEarly
			}
			return result(false), fmt.Errorf("read stream chunk: %w", err)
		}
		done = isDone
		chunks++

		out := proc.Process(ctx, text)
		if done {
			out += proc.Flush()
		}
		answer.WriteString(out)

		if first {
			first = false
			conv.Messages = append(conv.Messages, domain.Message{
				ID:        c.newID(),
				Role:      domain.RoleAssistant,
				Content:   answer.String(),
				Contexts:  contexts,
				Feedback:  feedback,
				CreatedAt: time.Now(),
			})
		} else {
			conv.Messages[len(conv.Messages)-1].Content = answer.String()
		}
		c.publisher.PublishConversation(conv.Clone())
	}

	res := result(false)
	if res.Unresolved > 0 {
		c.logger.Debug("citations left unresolved", "conversation", conv.ID, "count", res.Unresolved, "contexts", len(contexts))
	}
	return res, nil
}
