package record

import "fmt"

// Kind tags a record as one of the known telemetry kinds.
type Kind string

const (
	KindEvent  Kind = "event"
	KindMetric Kind = "metric"
)

// Destination names the sink a record kind is delivered to. Each destination
// owns an independent queue, circuit breaker, rate limiter and stats.
type Destination string

const (
	DestinationEvents  Destination = "events"
	DestinationMetrics Destination = "metrics"
)

// Destinations lists every known destination in a stable order.
func Destinations() []Destination {
	return []Destination{DestinationEvents, DestinationMetrics}
}

// Record is one flat key-value telemetry unit. The pipeline treats it as
// atomic and orderable and never inspects it beyond the kind tag.
type Record map[string]any

// Reserved keys used to tag and route records.
const (
	KeyEventType = "eventType"
	KeyName      = "name"
	KeyType      = "type"
	KeyValue     = "value"
	KeyTimestamp = "timestamp"
)

// NewEvent builds an event record of the given event type with the provided
// attributes merged in.
func NewEvent(eventType string, attrs map[string]any) Record {
	r := make(Record, len(attrs)+1)
	for k, v := range attrs {
		r[k] = v
	}
	r[KeyEventType] = eventType
	return r
}

// NewMetric builds a metric sample record. Attributes are merged flat; the
// transport reshapes them into the metric envelope on delivery.
func NewMetric(name, metricType string, value float64, timestampMs int64, attrs map[string]any) Record {
	r := make(Record, len(attrs)+4)
	for k, v := range attrs {
		r[k] = v
	}
	r[KeyName] = name
	r[KeyType] = metricType
	r[KeyValue] = value
	r[KeyTimestamp] = timestampMs
	return r
}

// Kind classifies the record by its tag keys. ok is false when the record
// carries no recognizable tag.
func (r Record) Kind() (Kind, bool) {
	if s, _ := r[KeyEventType].(string); s != "" {
		return KindEvent, true
	}
	if s, _ := r[KeyName].(string); s != "" {
		if t, _ := r[KeyType].(string); t != "" {
			return KindMetric, true
		}
	}
	return "", false
}

// DestinationFor maps a kind to the destination that delivers it.
func DestinationFor(k Kind) Destination {
	if k == KindMetric {
		return DestinationMetrics
	}
	return DestinationEvents
}

// ValidationError reports a malformed record rejected at submit time. The
// record never enters a queue and is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s", e.Reason)
}

// Validate checks the minimal shape the pipeline requires: non-empty with a
// recognizable kind tag.
func (r Record) Validate() error {
	if len(r) == 0 {
		return &ValidationError{Reason: "empty record"}
	}
	if _, ok := r.Kind(); !ok {
		return &ValidationError{Reason: "no recognizable kind tag"}
	}
	return nil
}
