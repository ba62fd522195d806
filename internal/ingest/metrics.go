package ingest

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"github.com/entitysim/telemetry-streamer/internal/record"
)

type metricsServiceServer struct {
	pipeline Submitter
	colmetricspb.UnimplementedMetricsServiceServer
}

// NewMetricsServer returns a MetricsServiceServer that converts OTLP gauge
// and sum datapoints into flat metric sample records. Other metric types
// are reported as rejected datapoints.
func NewMetricsServer(p Submitter) colmetricspb.MetricsServiceServer {
	return &metricsServiceServer{pipeline: p}
}

func (m *metricsServiceServer) Export(ctx context.Context, request *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	span := oteltrace.SpanFromContext(ctx)

	slog.DebugContext(ctx, "Received ExportMetricsServiceRequest")

	var received, submitted, rejected int64

	for _, rm := range request.GetResourceMetrics() {
		resAttrs := rm.GetResource().GetAttributes()

		for _, sm := range rm.GetScopeMetrics() {
			scopeAttrs := sm.GetScope().GetAttributes()

			for _, metric := range sm.GetMetrics() {
				var points []*metricspb.NumberDataPoint
				var metricType string

				switch data := metric.GetData().(type) {
				case *metricspb.Metric_Gauge:
					points = data.Gauge.GetDataPoints()
					metricType = "gauge"
				case *metricspb.Metric_Sum:
					points = data.Sum.GetDataPoints()
					metricType = "count"
				default:
					rejected += int64(countDataPoints(metric))
					received += int64(countDataPoints(metric))
					continue
				}

				for _, dp := range points {
					received++

					attrs := FlattenAttrs(resAttrs, scopeAttrs, dp.GetAttributes())
					var value float64
					switch v := dp.GetValue().(type) {
					case *metricspb.NumberDataPoint_AsDouble:
						value = v.AsDouble
					case *metricspb.NumberDataPoint_AsInt:
						value = float64(v.AsInt)
					}

					r := record.NewMetric(metric.GetName(), metricType, value, int64(dp.GetTimeUnixNano()/1e6), attrs)
					if err := m.pipeline.Submit(r); err != nil {
						rejected++
						continue
					}
					submitted++
				}
			}
		}
	}

	resp := &colmetricspb.ExportMetricsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &colmetricspb.ExportMetricsPartialSuccess{RejectedDataPoints: rejected}
	}

	span.SetAttributes(
		attribute.Int64("metrics.received", received),
		attribute.Int64("metrics.submitted", submitted),
		attribute.Int64("metrics.rejected", rejected),
	)
	slog.DebugContext(
		ctx,
		"Completed ExportMetricsServiceRequest",
		slog.Int64("received", received),
		slog.Int64("submitted", submitted),
		slog.Int64("rejected", rejected),
	)

	return resp, nil
}

// countDataPoints reports the datapoint count of metric types the pipeline
// does not accept, so they can be counted as rejected.
func countDataPoints(m *metricspb.Metric) int {
	switch data := m.GetData().(type) {
	case *metricspb.Metric_Histogram:
		return len(data.Histogram.GetDataPoints())
	case *metricspb.Metric_ExponentialHistogram:
		return len(data.ExponentialHistogram.GetDataPoints())
	case *metricspb.Metric_Summary:
		return len(data.Summary.GetDataPoints())
	default:
		return 0
	}
}
