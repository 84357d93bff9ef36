package pipeline

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	idspkg "github.com/drblury/indexflow/internal/runtime/ids"
	"github.com/drblury/indexflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/indexflow/internal/runtime/metadata"
)

// JobContext describes one handled message to job hooks.
type JobContext struct {
	HandlerName string
	Topic       string
	MessageUUID string
	Metadata    message.Metadata
	StartedAt   time.Time
	Duration    time.Duration
}

// JobHooks are optional callbacks around each handled message.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	merged := JobHooks{
		OnJobStart: h.OnJobStart,
		OnJobDone:  h.OnJobDone,
		OnJobError: h.OnJobError,
	}
	if other.OnJobStart != nil {
		first := merged.OnJobStart
		merged.OnJobStart = func(ctx JobContext) {
			if first != nil {
				first(ctx)
			}
			other.OnJobStart(ctx)
		}
	}
	if other.OnJobDone != nil {
		first := merged.OnJobDone
		merged.OnJobDone = func(ctx JobContext) {
			if first != nil {
				first(ctx)
			}
			other.OnJobDone(ctx)
		}
	}
	if other.OnJobError != nil {
		first := merged.OnJobError
		merged.OnJobError = func(ctx JobContext, err error) {
			if first != nil {
				first(ctx, err)
			}
			other.OnJobError(ctx, err)
		}
	}
	return merged
}

// LoggingHooks log the lifecycle of each message at debug level and
// failures at error level.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) logging.LogFields {
		return logging.LogFields{
			"handler":        ctx.HandlerName,
			"topic":          ctx.Topic,
			"message_uuid":   ctx.MessageUUID,
			"correlation_id": ctx.Metadata.Get(metadatapkg.KeyCorrelationID),
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
	}
}

func jobHooksMiddleware(handlerName, topic string, hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			job := JobContext{
				HandlerName: handlerName,
				Topic:       topic,
				MessageUUID: msg.UUID,
				Metadata:    msg.Metadata,
				StartedAt:   time.Now(),
			}
			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			msgs, err := h(msg)
			job.Duration = time.Since(job.StartedAt)
			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(job)
			}
			return msgs, err
		}
	}
}

// correlationIDMiddleware stamps a correlation id when the publisher did
// not set one.
func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

// ackMiddleware turns every handler error into an acknowledgement. Failed
// notifications are not redelivered.
func ackMiddleware(logger logging.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			msgs, err := h(msg)
			if err != nil {
				logger.Trace("Acknowledging failed notification", logging.LogFields{"message_uuid": msg.UUID, "error": err.Error()})
			}
			return msgs, nil
		}
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "indexflow.message")
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("message.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
			attribute.String("message.stream_id", msg.Metadata.Get(metadatapkg.KeyStreamID)),
		)
		return h(msg)
	}
}

// installMiddleware adds the handler chain to router. The first middleware
// added is outermost, so failures are logged and counted before they are
// acknowledged. Prometheus router metrics are added when registerer is set.
func installMiddleware(router *message.Router, handlerName, topic, subsystem string, registerer prometheus.Registerer, hooks JobHooks, logger logging.ServiceLogger) {
	router.AddMiddleware(
		correlationIDMiddleware,
		ackMiddleware(logger),
		jobHooksMiddleware(handlerName, topic, hooks),
		tracerMiddleware,
	)
	if registerer != nil {
		metrics.NewPrometheusMetricsBuilder(registerer, "indexflow", subsystem).AddPrometheusRouterMetrics(router)
	}
	router.AddMiddleware(middleware.Recoverer)
}
