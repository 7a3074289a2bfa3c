package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to spotpoller instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrRegion      = attribute.Key("region")
	AttrDecision    = attribute.Key("decision")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
	AttrErrorType   = attribute.Key("error.type")
)

// Instrument names.
const (
	MetricPassDuration      = "spotpoller.pass.duration"
	MetricDecisions         = "spotpoller.requests.decisions"
	MetricCancelled         = "spotpoller.requests.cancelled"
	MetricRegionFailures    = "spotpoller.region.failures"
	MetricProviderCalls     = "spotpoller.provider.calls"
	MetricProviderDuration  = "spotpoller.provider.duration"
	MetricIterationFailures = "spotpoller.iteration.failures"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// RegionAttributes returns attributes for per-region metrics.
func RegionAttributes(environment, region string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRegion.String(region),
	}
}

// DecisionAttributes returns attributes for classifier decision counters.
func DecisionAttributes(environment, region, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRegion.String(region),
		AttrDecision.String(decision),
	}
}

// OperationResultAttributes returns attributes for provider call metrics with result classification.
func OperationResultAttributes(environment, region, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRegion.String(region),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for failure counters.
func ErrorAttributes(environment, region, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRegion.String(region),
		AttrErrorType.String(errorType),
	}
}
