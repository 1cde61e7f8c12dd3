package notify

import (
	"context"
	"fmt"
	"time"

	"fleetwatch/internal/telemetry"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/models"
)

// Sink is the delivery capability of one notification channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert *models.Alert) error
}

// DispatchResult records the outcome of one channel attempt.
type DispatchResult struct {
	Channel   string `json:"channel"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// Router fans a new alert out to its channel set. Always-on channels
// receive every alert; escalation channels additionally receive
// CRITICAL alerts. Every resolved channel is attempted regardless of
// failures on the others, and Dispatch itself never returns an error.
type Router struct {
	alwaysOn    []Sink
	escalation  []Sink
	sendTimeout time.Duration
}

func NewRouter(alwaysOn, escalation []Sink) *Router {
	return &Router{
		alwaysOn:    alwaysOn,
		escalation:  escalation,
		sendTimeout: 10 * time.Second,
	}
}

// Dispatch sends the alert to every channel its severity resolves to and
// reports the per-channel outcome.
func (r *Router) Dispatch(ctx context.Context, alert *models.Alert) []DispatchResult {
	sinks := make([]Sink, 0, len(r.alwaysOn)+len(r.escalation))
	sinks = append(sinks, r.alwaysOn...)
	if alert.Severity == models.SeverityCritical {
		sinks = append(sinks, r.escalation...)
	}

	results := make([]DispatchResult, 0, len(sinks))
	for _, sink := range sinks {
		results = append(results, r.send(ctx, sink, alert))
	}

	return results
}

// SendTest delivers a synthetic alert to exactly one named channel,
// bypassing severity gating.
func (r *Router) SendTest(ctx context.Context, channel string) error {
	var target Sink
	for _, sink := range append(append([]Sink{}, r.alwaysOn...), r.escalation...) {
		if sink.Name() == channel {
			target = sink
			break
		}
	}
	if target == nil {
		return models.Invalidf("channel", "unknown notification channel %q", channel)
	}

	now := time.Now().UTC()
	test := &models.Alert{
		ID:          "test",
		ServiceName: "fleetwatch",
		AlertType:   "notification_test",
		Severity:    models.SeverityLow,
		Status:      models.AlertActive,
		Title:       "Test notification",
		Description: fmt.Sprintf("Test notification sent at %s", now.Format(time.RFC3339)),
		CreatedAt:   now,
	}

	result := r.send(ctx, target, test)
	if !result.Delivered {
		return fmt.Errorf("test notification to %s failed: %s", channel, result.Error)
	}

	return nil
}

// Channels lists the configured channel names, always-on first.
func (r *Router) Channels() []string {
	names := make([]string, 0, len(r.alwaysOn)+len(r.escalation))
	for _, sink := range r.alwaysOn {
		names = append(names, sink.Name())
	}
	for _, sink := range r.escalation {
		names = append(names, sink.Name())
	}
	return names
}

func (r *Router) send(ctx context.Context, sink Sink, alert *models.Alert) DispatchResult {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	if err := sink.Send(sendCtx, alert); err != nil {
		logger.Error("Notification send failed",
			logger.String("channel", sink.Name()),
			logger.String("alert_type", alert.AlertType),
			logger.Err(err),
		)
		telemetry.NotificationsTotal.WithLabelValues(sink.Name(), "error").Inc()
		return DispatchResult{Channel: sink.Name(), Error: err.Error()}
	}

	telemetry.NotificationsTotal.WithLabelValues(sink.Name(), "ok").Inc()
	return DispatchResult{Channel: sink.Name(), Delivered: true}
}
