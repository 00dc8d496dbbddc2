package types

// Telemetry metric names. CloudWatch uses them as-is; the Prometheus backend
// derives snake_case names from the same concepts.
const (
	// Metric Names
	MetricDeliveryOutcome   = "DeliveryOutcome"
	MetricEntriesCreated    = "QueueEntriesCreated"
	MetricEntriesSkipped    = "QueueEntriesSkipped"
	MetricEntriesFailed     = "QueueEntriesFailed"
	MetricJobDuration       = "JobDuration"
	MetricJobItems          = "JobItems"
	MetricJobFailure        = "JobFailure"
	MetricBreakerTransition = "BreakerTransition"

	// Dimension Keys
	DimResult = "Result"
	DimTask   = "Task"
	DimState  = "State"

	// Metric Namespace
	MetricNamespace = "DailyPrompt"
)
