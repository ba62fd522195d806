package transport

import (
	"encoding/json"

	"github.com/entitysim/telemetry-streamer/internal/record"
)

// metricSample is the wire shape of one metric inside the envelope.
type metricSample struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Value      any            `json:"value"`
	Timestamp  any            `json:"timestamp,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// metricEnvelope is the top-level metric payload:
// [{"metrics": [ {name, type, value, timestamp, attributes} ]}].
type metricEnvelope struct {
	Metrics []metricSample `json:"metrics"`
}

// EncodePayload serializes a batch for the given destination. Events go out
// as a flat JSON array; metrics are reshaped into the metric envelope.
func EncodePayload(dest record.Destination, batch []record.Record) ([]byte, error) {
	if dest == record.DestinationMetrics {
		return json.Marshal([]metricEnvelope{{Metrics: toSamples(batch)}})
	}
	return json.Marshal(batch)
}

// toSamples lifts the reserved metric keys out of each flat record; every
// remaining key becomes a sample attribute.
func toSamples(batch []record.Record) []metricSample {
	samples := make([]metricSample, 0, len(batch))
	for _, r := range batch {
		s := metricSample{}
		var attrs map[string]any
		for k, v := range r {
			switch k {
			case record.KeyName:
				s.Name, _ = v.(string)
			case record.KeyType:
				s.Type, _ = v.(string)
			case record.KeyValue:
				s.Value = v
			case record.KeyTimestamp:
				s.Timestamp = v
			default:
				if attrs == nil {
					attrs = make(map[string]any)
				}
				attrs[k] = v
			}
		}
		s.Attributes = attrs
		samples = append(samples, s)
	}
	return samples
}
