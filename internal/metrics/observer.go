package metrics

import (
	"math"

	"coursechat/internal/agent"
	"coursechat/internal/bus"
	"coursechat/internal/domain"
)

// Observe feeds orchestrator events from eb into c. The returned function
// unregisters the handlers.
func (c *MetricsCollector) Observe(eb *bus.EventBus) (stop func()) {
	handlers := []struct {
		event string
		fn    bus.EventHandler
	}{
		{bus.EventPhaseChanged, c.onPhase},
		{bus.EventStreamFinished, c.onStream},
		{bus.EventContextsRetrieved, c.onRetrieval},
		{bus.EventToolExecuted, c.onTool},
		{bus.EventMessageLogged, func(bus.Event) { c.messagesLogged().Inc() }},
	}
	ids := make(map[string]string, len(handlers))
	for _, h := range handlers {
		ids[eb.On(h.event, h.fn)] = h.event
	}
	return func() {
		for id, t := range ids {
			eb.Off(t, id)
		}
	}
}

func (c *MetricsCollector) onPhase(e bus.Event) {
	pe, ok := e.Payload.(agent.PhaseEvent)
	if !ok {
		return
	}
	switch pe.Phase {
	case agent.PhaseLoading:
		c.sends("").Inc()
	case agent.PhaseCompleted, agent.PhaseCancelled, agent.PhaseFailed:
		c.sends(string(pe.Phase)).Inc()
	}
}

func (c *MetricsCollector) onStream(e bus.Event) {
	sf, ok := e.Payload.(agent.StreamFinished)
	if !ok {
		return
	}
	c.citations("resolved").Add(int64(sf.Result.Resolved))
	c.citations("unresolved").Add(int64(sf.Result.Unresolved))
	if sf.Err == "" {
		c.streamLatency(sf.Transport).Observe(sf.Elapsed.Seconds())
	}
}

func (c *MetricsCollector) onRetrieval(e bus.Event) {
	if cr, ok := e.Payload.(agent.ContextsRetrieved); ok && cr.Err == "" {
		c.retrievalLatency().Observe(cr.Elapsed.Seconds())
	}
}

func (c *MetricsCollector) onTool(e bus.Event) {
	inv, ok := e.Payload.(domain.ToolInvocation)
	if !ok {
		return
	}
	if inv.Error != "" {
		c.tools("error").Inc()
		return
	}
	c.tools("ok").Inc()
}

func (c *MetricsCollector) sends(outcome string) *Counter {
	if outcome == "" {
		return c.Counter("coursechat_sends_total", "Sends started by the orchestrator", "")
	}
	return c.Counter("coursechat_sends_finished_total", "Sends by outcome", `outcome="`+outcome+`"`)
}

func (c *MetricsCollector) citations(result string) *Counter {
	return c.Counter("coursechat_citations_total", "Citation markers by resolution", `result="`+result+`"`)
}

func (c *MetricsCollector) tools(result string) *Counter {
	return c.Counter("coursechat_tool_executions_total", "Tool executions by result", `result="`+result+`"`)
}

func (c *MetricsCollector) messagesLogged() *Counter {
	return c.Counter("coursechat_messages_logged_total", "Conversations handed to message loggers", "")
}

func (c *MetricsCollector) retrievalLatency() *Histogram {
	return c.Histogram("coursechat_retrieval_latency_seconds", "Context retrieval latency in seconds", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, math.Inf(1)})
}

func (c *MetricsCollector) streamLatency(transport string) *Histogram {
	return c.Histogram("coursechat_stream_latency_seconds", "Time from stream open to last chunk in seconds",
		`transport="`+transport+`"`, append([]float64(nil), latencyBuckets...))
}
