// Package alerting publishes severity-tagged alerts on the alerts.* streams
// for the out-of-process alert delivery collaborator, mirroring each alert
// into the structured log and the alert counters.
package alerting

import (
	"context"

	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/bus"
	"github.com/helixtrade/helix/internal/config"
	"github.com/helixtrade/helix/pkg/metrics"
)

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert is one alertable condition.
type Alert struct {
	Severity string                 `json:"severity"`
	Kind     string                 `json:"kind"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Alerts publishes alerts over the event bus.
type Alerts struct {
	bus     bus.Bus
	streams config.StreamsConfig
	logger  *zap.Logger
}

// New builds an alert publisher.
func New(b bus.Bus, streams config.StreamsConfig, logger *zap.Logger) *Alerts {
	return &Alerts{bus: b, streams: streams, logger: logger}
}

// Critical publishes to alerts.critical. Stop-coverage and idempotency
// violations always come through here; they are never best-effort.
func (a *Alerts) Critical(ctx context.Context, kind, message string, fields map[string]interface{}) {
	a.publish(ctx, a.streams.AlertsCritical, SeverityCritical, kind, message, fields)
}

// Warning publishes to alerts.warning.
func (a *Alerts) Warning(ctx context.Context, kind, message string, fields map[string]interface{}) {
	a.publish(ctx, a.streams.AlertsWarning, SeverityWarning, kind, message, fields)
}

// Info publishes to alerts.info.
func (a *Alerts) Info(ctx context.Context, kind, message string, fields map[string]interface{}) {
	a.publish(ctx, a.streams.AlertsInfo, SeverityInfo, kind, message, fields)
}

func (a *Alerts) publish(ctx context.Context, stream, severity, kind, message string, fields map[string]interface{}) {
	metrics.AlertsEmitted.WithLabelValues(severity).Inc()

	logFields := []zap.Field{
		zap.String("kind", kind),
		zap.String("severity", severity),
		zap.Any("fields", fields),
	}
	switch severity {
	case SeverityCritical:
		a.logger.Error(message, logFields...)
	case SeverityWarning:
		a.logger.Warn(message, logFields...)
	default:
		a.logger.Info(message, logFields...)
	}

	event, err := bus.NewEvent("alert."+kind, Alert{
		Severity: severity,
		Kind:     kind,
		Message:  message,
		Fields:   fields,
	})
	if err != nil {
		a.logger.Error("failed to build alert event", zap.Error(err))
		return
	}
	if err := a.bus.Publish(ctx, stream, event); err != nil {
		// the log line above already carries the alert content
		a.logger.Error("failed to publish alert",
			zap.String("stream", stream),
			zap.String("kind", kind),
			zap.Error(err))
	}
}
