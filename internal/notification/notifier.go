// Package notification turns appended workflow events into outbound
// notifications. Delivery failures are logged and never block the signal
// path; the event log stays the source of truth.
package notification

import (
	"context"

	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/application/dispatcher"
	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/domain/event"
)

// LogNotifier is the default Notifier. It writes a structured log line per
// event; a deployment swaps in a chat or email Notifier behind the same port.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs delivered events
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements port.Notifier
func (n *LogNotifier) Notify(_ context.Context, evt *event.Event) error {
	n.logger.Info("Workflow notification",
		zap.String("event_type", evt.Type.String()),
		zap.String("instance_id", evt.InstanceID),
		zap.Int64("sequence", evt.Sequence),
		zap.String("actor", evt.Actor),
		zap.String("correlation_id", evt.CorrelationID))
	return nil
}

// interestingTypes are the events worth a human-facing notification. Bookkeeping
// events such as requirement completions stay out of the feed.
var interestingTypes = map[event.Type]bool{
	event.TypeStageEntered:  true,
	event.TypeApproved:      true,
	event.TypeRejected:      true,
	event.TypeEscalated:     true,
	event.TypeDeadlineFired: true,
	event.TypeCancelled:     true,
	event.TypeCompleted:     true,
	event.TypeFailed:        true,
}

// Register subscribes the notifier to the dispatcher for every event type a
// recipient would care about.
func Register(d *dispatcher.Dispatcher, n port.Notifier) {
	d.SubscribeAll("notifier", func(ctx context.Context, evt *event.Event) error {
		if !interestingTypes[evt.Type] {
			return nil
		}
		return n.Notify(ctx, evt)
	})
}
