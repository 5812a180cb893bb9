package emit

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter converts events into OpenTelemetry spans.
//
// Each event becomes an immediately-ended span named after the event
// message, carrying run id, node id, step, and all Meta fields as
// attributes. node_error events additionally record the error and set
// the span status.
//
// Wire it to a configured trace provider:
//
//	tracer := otel.Tracer("rungraph")
//	eng, err := graph.New(st, graph.WithEmitter(emit.NewOTelEmitter(tracer)))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a span.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg,
		trace.WithTimestamp(event.Time))
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("run_id", event.RunID),
	}
	if event.NodeID != "" {
		attrs = append(attrs, attribute.String("node_id", event.NodeID))
	}
	if event.Step != 0 {
		attrs = append(attrs, attribute.Int("step", event.Step))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, metaAttribute(k, v))
	}
	span.SetAttributes(attrs...)

	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

func metaAttribute(k string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(k, val)
	case bool:
		return attribute.Bool(k, val)
	case int:
		return attribute.Int(k, val)
	case int64:
		return attribute.Int64(k, val)
	case float64:
		return attribute.Float64(k, val)
	default:
		return attribute.String(k, fmt.Sprintf("%v", val))
	}
}
