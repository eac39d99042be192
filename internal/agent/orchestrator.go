// Package agent runs a message send: the preparation steps before the model
// call, the choice of transport, and what happens once the answer is in.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coursechat/internal/bus"
	"coursechat/internal/citation"
	"coursechat/internal/domain"
	"coursechat/internal/engine"
	"coursechat/internal/stream"
	"coursechat/internal/vision"

	"github.com/google/uuid"
)

// ModePlugin selects the single-call, non-streaming path.
const ModePlugin = "plugin"

// ImageDescriber turns message images into text.
type ImageDescriber interface {
	Describe(ctx context.Context, msg domain.Message, courseName, searchQuery string) (vision.Result, error)
}

// Retriever returns the course material excerpts that match a query.
type Retriever interface {
	TopContexts(ctx context.Context, q domain.KnowledgeQuery) ([]domain.ContextItem, error)
}

// ToolCatalog lists the tools enabled for a course.
type ToolCatalog interface {
	Definitions(course string) []domain.ToolDefinition
}

// ToolSelector decides which tools fire for a conversation.
type ToolSelector interface {
	Select(ctx context.Context, conv domain.Conversation, defs []domain.ToolDefinition) ([]domain.ToolCall, error)
}

// ToolRunner executes selected tools, returning results in call order.
type ToolRunner interface {
	Run(ctx context.Context, calls []domain.ToolCall) []domain.ToolInvocation
}

// LocalEngine is a model server that runs on this machine.
type LocalEngine interface {
	Known(model string) bool
	Ready(ctx context.Context, model string) error
	Completions(ctx context.Context, req engine.CompletionRequest) (*engine.ChunkIterator, error)
}

// HostedEndpoint is the model routing endpoint for every other model.
type HostedEndpoint interface {
	Stream(ctx context.Context, req domain.RouteRequest) (stream.Source, error)
	Complete(ctx context.Context, req domain.RouteRequest) (string, error)
}

// MessageLogger records a completed answer somewhere outside the store.
type MessageLogger interface {
	LogMessage(ctx context.Context, e domain.MessageLogEntry) error
}

// SendRequest is one outgoing user message. The message is already the last
// entry of Conversation.Messages.
type SendRequest struct {
	Conversation domain.Conversation
	Key          string   // course API key for the routing endpoint
	DocGroups    []string // enabled document groups; empty means all
	Mode         string   // "" streams; ModePlugin makes one JSON call
}

// SendResult is the conversation after the send and how it ended.
type SendResult struct {
	Conversation domain.Conversation
	Cancelled    bool
	Transport    string
}

// ContextsRetrieved is the payload of bus.EventContextsRetrieved.
type ContextsRetrieved struct {
	Count   int
	Elapsed time.Duration
	Err     string
}

// StreamFinished is the payload of bus.EventStreamFinished.
type StreamFinished struct {
	Transport string
	Result    stream.Result
	Elapsed   time.Duration
	Err       string
}

const (
	TransportLocal  = "local"
	TransportHosted = "hosted"
)

// Orchestrator runs sends. Every collaborator except Hosted and Bus is
// optional; a missing one skips its step.
type Orchestrator struct {
	bus       *bus.EventBus
	describer ImageDescriber
	retriever Retriever
	catalog   ToolCatalog
	selector  ToolSelector
	runner    ToolRunner
	prompt    *PromptBuilder
	engine    LocalEngine
	hosted    HostedEndpoint
	store     domain.ConversationStore
	loggers   []MessageLogger
	notifier  Notifier
	resolver  citation.LinkResolver
	stop      *stream.StopFlag
	limiter   *RateLimiter
	topK      int
	logger    *slog.Logger
	newID     func() string
}

type OrchestratorConfig struct {
	Bus       *bus.EventBus
	Describer ImageDescriber
	Retriever Retriever
	Tools     ToolCatalog
	Selector  ToolSelector
	Runner    ToolRunner
	Prompt    *PromptBuilder
	Engine    LocalEngine
	Hosted    HostedEndpoint
	Store     domain.ConversationStore
	Loggers   []MessageLogger
	Notifier  Notifier // default: BusNotifier on Bus
	Resolver  citation.LinkResolver
	Stop      *stream.StopFlag
	Limiter   *RateLimiter
	TopK      int
	Logger    *slog.Logger
	NewID     func() string
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewEventBus(cfg.Logger)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = BusNotifier{Bus: cfg.Bus}
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPromptBuilder(PromptConfig{})
	}
	if cfg.Resolver == nil {
		cfg.Resolver = citation.DefaultResolver{}
	}
	if cfg.Stop == nil {
		cfg.Stop = stream.NewStopFlag(stream.DefaultStopReset)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Orchestrator{
		bus:       cfg.Bus,
		describer: cfg.Describer,
		retriever: cfg.Retriever,
		catalog:   cfg.Tools,
		selector:  cfg.Selector,
		runner:    cfg.Runner,
		prompt:    cfg.Prompt,
		engine:    cfg.Engine,
		hosted:    cfg.Hosted,
		store:     cfg.Store,
		loggers:   cfg.Loggers,
		notifier:  cfg.Notifier,
		resolver:  cfg.Resolver,
		stop:      cfg.Stop,
		limiter:   cfg.Limiter,
		topK:      cfg.TopK,
		logger:    cfg.Logger,
		newID:     cfg.NewID,
	}
}

// Bus returns the event bus phases and snapshots are published on.
func (o *Orchestrator) Bus() *bus.EventBus { return o.bus }

// Stop asks the send in progress to stop. Pending retrieval, tool routing,
// model loading and stream reads are cancelled at once.
func (o *Orchestrator) Stop() { o.stop.Stop() }

// Send prepares the last user message of req.Conversation, calls the model
// and applies the answer. Preparation steps run strictly in order; a failing
// step is logged and the send carries on without its output.
//
// Transport and stream read failures are reported to the Notifier and
// returned. A stop request is not an error.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	start := time.Now()
	conv := req.Conversation.Clone()
	convID := conv.ID
	user := conv.LastUserMessage()
	if user == nil {
		return SendResult{Conversation: conv}, errors.New("conversation has no user message")
	}

	// sendCtx covers the model-facing work; persistence and loggers use ctx
	// so a stopped send still saves what it has.
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := o.stop.Watch(cancel)
	defer release()

	o.phase(convID, PhaseLoading)
	o.publish(conv)

	searchQuery := user.Text()
	if user.HasImages() && o.describer != nil {
		searchQuery = o.describeImages(sendCtx, conv, user, searchQuery)
	}

	o.retrieve(sendCtx, conv, user, searchQuery, req.DocGroups)

	if o.catalog != nil && o.selector != nil {
		if defs := o.catalog.Definitions(conv.CourseName); len(defs) > 0 {
			o.runTools(sendCtx, conv, user, defs)
		}
	}

	user.FinalPrompt = o.prompt.BuildUserPrompt(*user)
	o.publish(conv)

	if o.stop.Stopped() {
		return o.stopped(ctx, conv, ""), nil
	}
	if req.Mode == ModePlugin {
		return o.sendPlugin(ctx, sendCtx, req, conv, start)
	}

	src, transport, err := o.openStream(sendCtx, req, conv)
	if err != nil && o.stop.Stopped() {
		return o.stopped(ctx, conv, transport), nil
	}
	if err != nil {
		o.fail(convID, "transport", err)
		return SendResult{Conversation: conv, Transport: transport}, err
	}

	o.phase(convID, PhaseStreaming)
	consumer := stream.NewConsumer(stream.ConsumerConfig{
		Publisher: stream.PublisherFunc(o.publish),
		Resolver:  o.resolver,
		Stop:      o.stop,
		Logger:    o.logger,
		NewID:     o.newID,
	})
	res, err := consumer.Consume(sendCtx, conv, src)
	o.emit(bus.EventStreamFinished, convID, StreamFinished{
		Transport: transport, Result: res, Elapsed: time.Since(start), Err: errString(err),
	})
	if err != nil {
		src.Abort()
		o.fail(convID, "stream", err)
		return SendResult{Conversation: res.Conversation, Transport: transport}, err
	}

	conv = res.Conversation
	if res.Cancelled {
		return o.stopped(ctx, conv, transport), nil
	}
	o.persist(ctx, conv)

	o.logMessage(ctx, conv, start)
	o.phase(convID, PhaseCompleted)
	return SendResult{Conversation: conv, Transport: transport}, nil
}

// describeImages fills in the image description of user and returns the
// search query to retrieve with.
func (o *Orchestrator) describeImages(ctx context.Context, conv domain.Conversation, user *domain.Message, searchQuery string) string {
	o.phase(conv.ID, PhaseImageToText)
	res, err := o.describer.Describe(ctx, *user, conv.CourseName, searchQuery)
	if err != nil {
		o.logger.Warn("image description failed", "conversation", conv.ID, "err", err)
		return searchQuery
	}
	user.ImageDescription = res.ImgDesc
	if res.SearchQuery != "" {
		return res.SearchQuery
	}
	return searchQuery
}

func (o *Orchestrator) retrieve(ctx context.Context, conv domain.Conversation, user *domain.Message, query string, groups []string) {
	if o.retriever == nil {
		return
	}
	o.phase(conv.ID, PhaseRetrieving)
	start := time.Now()
	course := conv.CourseName
	items, err := o.retriever.TopContexts(ctx, domain.KnowledgeQuery{
		CourseName: course,
		Text:       query,
		DocGroups:  groups,
		TopK:       o.topK,
	})
	o.emit(bus.EventContextsRetrieved, conv.ID, ContextsRetrieved{Count: len(items), Elapsed: time.Since(start), Err: errString(err)})
	if err != nil {
		o.logger.Warn("context retrieval failed", "course", course, "err", err)
		return
	}
	user.Contexts = items
	o.logger.Debug("contexts attached", "course", course, "count", len(items))
}

func (o *Orchestrator) runTools(ctx context.Context, conv domain.Conversation, user *domain.Message, defs []domain.ToolDefinition) {
	o.phase(conv.ID, PhaseRouting)
	calls, err := o.selector.Select(ctx, conv, defs)
	if err != nil {
		o.logger.Warn("tool routing failed", "course", conv.CourseName, "err", err)
		return
	}
	if len(calls) == 0 || o.runner == nil {
		o.logger.Debug("no tools selected", "course", conv.CourseName, "available", len(defs))
		return
	}

	o.phase(conv.ID, PhaseRunningTools)
	invocations := o.runner.Run(ctx, calls)
	for _, inv := range invocations {
		o.emit(bus.EventToolExecuted, conv.ID, inv)
	}
	user.Tools = invocations
}

// openStream picks the transport for the conversation model.
func (o *Orchestrator) openStream(ctx context.Context, req SendRequest, conv domain.Conversation) (stream.Source, string, error) {
	model := conv.Model.ID
	if o.engine != nil && o.engine.Known(model) {
		o.phase(conv.ID, PhaseModelLoading)
		if err := o.engine.Ready(ctx, model); err != nil {
			return nil, TransportLocal, fmt.Errorf("load %s: %w", model, err)
		}
		it, err := o.engine.Completions(ctx, engine.CompletionRequest{
			Model:       model,
			Messages:    engineMessages(o.prompt.BuildMessages(conv)),
			Temperature: conv.Temperature,
		})
		if err != nil {
			return nil, TransportLocal, err
		}
		return stream.NewEngineChunkStream(it), TransportLocal, nil
	}

	if o.hosted == nil {
		return nil, TransportHosted, fmt.Errorf("no transport for model %q", model)
	}
	if err := o.limiter.Wait(ctx, conv.CourseName); err != nil {
		return nil, TransportHosted, fmt.Errorf("rate limit: %w", err)
	}
	src, err := o.hosted.Stream(ctx, o.routeRequest(req, conv))
	return src, TransportHosted, err
}

// stopped finishes a send cut short by Stop: whatever was produced so far
// is persisted and the loggers are skipped.
func (o *Orchestrator) stopped(ctx context.Context, conv domain.Conversation, transport string) SendResult {
	o.persist(ctx, conv)
	o.phase(conv.ID, PhaseCancelled)
	return SendResult{Conversation: conv, Cancelled: true, Transport: transport}
}

func (o *Orchestrator) sendPlugin(ctx, sendCtx context.Context, req SendRequest, conv domain.Conversation, start time.Time) (SendResult, error) {
	if o.hosted == nil {
		err := errors.New("plugin mode needs the routing endpoint")
		o.fail(conv.ID, "transport", err)
		return SendResult{Conversation: conv}, err
	}
	if err := o.limiter.Wait(sendCtx, conv.CourseName); err != nil {
		if o.stop.Stopped() {
			return o.stopped(ctx, conv, TransportHosted), nil
		}
		o.fail(conv.ID, "transport", err)
		return SendResult{Conversation: conv, Transport: TransportHosted}, err
	}
	answer, err := o.hosted.Complete(sendCtx, o.routeRequest(req, conv))
	if err != nil && o.stop.Stopped() {
		return o.stopped(ctx, conv, TransportHosted), nil
	}
	if err != nil {
		o.fail(conv.ID, "transport", err)
		return SendResult{Conversation: conv, Transport: TransportHosted}, err
	}

	user := conv.LastUserMessage()
	conv.Messages = append(conv.Messages, domain.Message{
		ID:        o.newID(),
		Role:      domain.RoleAssistant,
		Content:   answer,
		Contexts:  user.Contexts,
		Feedback:  user.Feedback,
		CreatedAt: time.Now().UTC(),
	})
	o.publish(conv)
	o.persist(ctx, conv)
	o.logMessage(ctx, conv, start)
	o.phase(conv.ID, PhaseCompleted)
	return SendResult{Conversation: conv, Transport: TransportHosted}, nil
}

func (o *Orchestrator) routeRequest(req SendRequest, conv domain.Conversation) domain.RouteRequest {
	return domain.RouteRequest{
		Conversation: conv,
		Key:          req.Key,
		CourseName:   conv.CourseName,
		Provider:     conv.Model.Provider,
		Mode:         req.Mode,
	}
}

func (o *Orchestrator) persist(ctx context.Context, conv domain.Conversation) {
	if o.store == nil {
		return
	}
	if err := o.store.UpdateConversation(ctx, conv); err != nil {
		o.logger.Error("persist conversation failed", "conversation", conv.ID, "err", err)
	}
}

// logMessage hands the completed exchange to every message logger. Failures
// are logged and otherwise ignored.
func (o *Orchestrator) logMessage(ctx context.Context, conv domain.Conversation, start time.Time) {
	if len(o.loggers) == 0 {
		return
	}
	entry := domain.MessageLogEntry{
		ConversationID: conv.ID,
		CourseName:     conv.CourseName,
		Model:          conv.Model.ID,
		LatencyMs:      time.Since(start).Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if u := conv.LastUserMessage(); u != nil {
		entry.UserMessage = u.Text()
		entry.ContextCount = len(u.Contexts)
		entry.ToolCount = len(u.Tools)
	}
	if n := len(conv.Messages); n > 0 && conv.Messages[n-1].Role == domain.RoleAssistant {
		entry.Answer = conv.Messages[n-1].Content
	}
	for _, l := range o.loggers {
		if err := l.LogMessage(ctx, entry); err != nil {
			o.logger.Error("message logging failed", "conversation", conv.ID, "logger", fmt.Sprintf("%T", l), "err", err)
		}
	}
	o.emit(bus.EventMessageLogged, conv.ID, entry)
}

// fail reports err to the user and ends the send in the failed phase.
func (o *Orchestrator) fail(convID, step string, err error) {
	n := Notification{Title: errorCallingLLM, Message: err.Error(), Error: true}
	var te *TransportError
	if errors.As(err, &te) {
		n.Message = te.Message
		n.Code = te.Code
		if n.Code == 0 {
			n.Code = te.Status
		}
	}
	o.logger.Error("send failed", "conversation", convID, "step", step, "err", err)
	o.notifier.Notify(convID, n)
	o.bus.Emit(bus.Event{
		Type:           bus.EventPhaseChanged,
		Source:         "agent",
		ConversationID: convID,
		Payload:        PhaseEvent{Phase: PhaseFailed, Step: step, Err: err.Error()},
	})
}

func (o *Orchestrator) phase(convID string, p Phase) {
	o.emit(bus.EventPhaseChanged, convID, PhaseEvent{Phase: p})
}

func (o *Orchestrator) publish(conv domain.Conversation) {
	o.emit(bus.EventConversationUpdated, conv.ID, conv.Clone())
}

func (o *Orchestrator) emit(eventType, convID string, payload any) {
	o.bus.Emit(bus.Event{Type: eventType, Source: "agent", ConversationID: convID, Payload: payload})
}

func engineMessages(msgs []domain.ChatMessage) []engine.Message {
	out := make([]engine.Message, len(msgs))
	for i, m := range msgs {
		out[i] = engine.Message{Role: m.Role, Content: m.Content, Images: m.Images}
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
