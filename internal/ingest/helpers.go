package ingest

import (
	"encoding/base64"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// FlattenAttrs merges attribute lists into one flat map. Later lists take
// precedence, so callers pass resource attrs first and the record's own
// attrs last.
func FlattenAttrs(kvLists ...[]*commonpb.KeyValue) map[string]any {
	out := make(map[string]any)
	for _, kvs := range kvLists {
		for _, kv := range kvs {
			if kv.GetKey() == "" || kv.GetValue() == nil {
				continue
			}
			out[kv.GetKey()] = anyToValue(kv.GetValue())
		}
	}
	return out
}

// anyToValue converts an OTLP AnyValue into a plain JSON-friendly value.
// Nested lists and maps are not flattened; they are rare in infrastructure
// telemetry and the backend accepts only flat records, so they collapse to
// their string form.
func anyToValue(v *commonpb.AnyValue) any {
	switch x := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_BoolValue:
		return x.BoolValue
	case *commonpb.AnyValue_IntValue:
		return x.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return x.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return base64.StdEncoding.EncodeToString(x.BytesValue)
	default:
		return v.String()
	}
}
