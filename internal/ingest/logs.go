package ingest

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"

	"github.com/entitysim/telemetry-streamer/internal/record"
)

//go:generate mockgen -source=logs.go -destination=../mocks/mock_submitter.go -package=mocks

// Submitter accepts records into the streaming pipeline.
type Submitter interface {
	Submit(r record.Record) error
}

// defaultEventType tags log records that carry no eventType attribute of
// their own.
const defaultEventType = "Log"

type logsServiceServer struct {
	pipeline Submitter
	collogspb.UnimplementedLogsServiceServer
}

// NewLogsServer returns a LogsServiceServer that converts OTLP log records
// into flat event records and submits them to the pipeline.
func NewLogsServer(p Submitter) collogspb.LogsServiceServer {
	return &logsServiceServer{pipeline: p}
}

func (l *logsServiceServer) Export(ctx context.Context, request *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	// Use the span started by the gRPC OTel interceptor.
	span := oteltrace.SpanFromContext(ctx)

	slog.DebugContext(ctx, "Received ExportLogsServiceRequest")

	var received, submitted, rejected int64

	for _, rl := range request.GetResourceLogs() {
		// Safe even if Resource is nil; GetAttributes() returns nil in that case.
		resAttrs := rl.GetResource().GetAttributes()

		for _, sl := range rl.GetScopeLogs() {
			scopeAttrs := sl.GetScope().GetAttributes()

			for _, rec := range sl.GetLogRecords() {
				received++

				attrs := FlattenAttrs(resAttrs, scopeAttrs, rec.GetAttributes())
				if _, ok := attrs[record.KeyEventType]; !ok {
					attrs[record.KeyEventType] = defaultEventType
				}
				if body := rec.GetBody(); body != nil {
					attrs["message"] = anyToValue(body)
				}
				if sev := rec.GetSeverityText(); sev != "" {
					attrs["severity"] = sev
				}
				if ts := rec.GetTimeUnixNano(); ts > 0 {
					attrs[record.KeyTimestamp] = int64(ts / 1e6)
				}

				if err := l.pipeline.Submit(record.Record(attrs)); err != nil {
					rejected++
					continue
				}
				submitted++
			}
		}
	}

	resp := &collogspb.ExportLogsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{RejectedLogRecords: rejected}
	}

	span.SetAttributes(
		attribute.Int64("logs.received", received),
		attribute.Int64("logs.submitted", submitted),
		attribute.Int64("logs.rejected", rejected),
	)
	slog.DebugContext(
		ctx,
		"Completed ExportLogsServiceRequest",
		slog.Int64("received", received),
		slog.Int64("submitted", submitted),
		slog.Int64("rejected", rejected),
	)

	return resp, nil
}
