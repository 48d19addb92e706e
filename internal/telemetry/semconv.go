// Package telemetry provides semantic conventions for tradecore observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for tradecore-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Bus attributes
	AttrTopic       = attribute.Key("topic")
	AttrMessageType = attribute.Key("message.type")

	// Trading attributes
	AttrSymbol    = attribute.Key("symbol")
	AttrVenue     = attribute.Key("venue")
	AttrOrderType = attribute.Key("order.type")
	AttrSide      = attribute.Key("side")

	// Outcome attributes
	AttrResult = attribute.Key("result")
	AttrReason = attribute.Key("reason")
	AttrState  = attribute.Key("state")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")
)

// ResultAttributes builds the common attribute set for an operation outcome.
func ResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		attribute.String("operation", operation),
		AttrResult.String(result),
	}
}
