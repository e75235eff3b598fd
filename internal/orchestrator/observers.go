package orchestrator

import (
	"context"
	"time"

	"github.com/astrid-app/astrid-agent/internal/event"
	"github.com/astrid-app/astrid-agent/internal/logging"
	"github.com/astrid-app/astrid-agent/internal/metrics"
	"github.com/astrid-app/astrid-agent/internal/stream"
	"github.com/astrid-app/astrid-agent/internal/webhook"
)

// ObserveMetrics records transitions and model spend from bus events.
func ObserveMetrics(bus *event.Bus, m *metrics.Metrics) []string {
	return []string{
		bus.Subscribe(event.TypeTransition, func(e event.Event) {
			ev := e.(event.TransitionEvent)
			m.Transition(ev.From, ev.To)
		}),
		bus.Subscribe(event.TypePhaseCompleted, func(e event.Event) {
			ev := e.(event.PhaseCompletedEvent)
			m.Cost(ev.Provider, ev.Usage.CostUSD)
		}),
	}
}

// Sender delivers outbound runtime events. *webhook.Notifier satisfies it.
type Sender interface {
	Send(ctx context.Context, ev webhook.Event) error
}

// ObserveWebhook forwards workflow events to an external runtime as signed
// session callbacks. Delivery failures are logged.
func ObserveWebhook(bus *event.Bus, sender Sender, timeout time.Duration, logger *logging.Logger) string {
	logger = logging.OrNop(logger).With("component", "webhook")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return bus.SubscribeAll(func(e event.Event) {
		out, ok := toWebhookEvent(e)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := sender.Send(ctx, out); err != nil {
			logger.WithTask(out.TaskID).Warn("webhook delivery failed", "event", string(out.Event), "error", err)
		}
	})
}

// toWebhookEvent maps bus events onto the runtime session vocabulary.
func toWebhookEvent(e event.Event) (webhook.Event, bool) {
	out := webhook.Event{Timestamp: e.Timestamp().UnixMilli()}
	switch ev := e.(type) {
	case event.WorkflowStartedEvent:
		out.Event = webhook.EventStarted
		out.SessionID, out.TaskID = ev.WorkflowID, ev.TaskID
		out.Data = &webhook.EventData{Message: "workflow started with " + ev.AIService}

	case event.PhaseCompletedEvent:
		out.SessionID, out.TaskID = ev.WorkflowID, ev.TaskID
		switch {
		case ev.Err != nil:
			out.Event = webhook.EventError
			out.Data = &webhook.EventData{Error: ev.Err.Error()}
		case ev.Phase == PhaseExecution:
			out.Event = webhook.EventCompleted
			out.Data = &webhook.EventData{Files: ev.Files, PRURL: ev.PRURL}
		default:
			out.Event = webhook.EventProgress
			out.Data = &webhook.EventData{Message: ev.Phase + " complete"}
		}

	case event.ContentDetectedEvent:
		out.SessionID, out.TaskID = ev.WorkflowID, ev.TaskID
		switch ev.Kind {
		case string(stream.ContentQuestion):
			out.Event = webhook.EventWaitingInput
			out.Data = &webhook.EventData{Question: ev.Content}
		case string(stream.ContentError):
			return out, false
		default:
			out.Event = webhook.EventProgress
			out.Data = &webhook.EventData{Message: ev.Content}
		}

	default:
		return out, false
	}
	return out, true
}
