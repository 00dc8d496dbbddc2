// Package telemetry implements scheduler.Metrics on CloudWatch and
// Prometheus. Both backends swallow publishing errors after logging them;
// a metrics outage never fails a delivery.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"dailyprompt/internal/scheduler"
	"dailyprompt/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ scheduler.Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes scheduler metrics with PutMetricData.
//
// Metrics emitted:
//   - DeliveryOutcome: Dims {Result}, one per terminal queue entry
//   - QueueEntriesCreated/Skipped/Failed: no dims, per populate run
//   - JobDuration, JobItems, JobFailure: Dims {Task}
//   - BreakerTransition: Dims {State}, the state entered
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	timeout   time.Duration
}

// NewCloudWatchMetrics creates a CloudWatchMetrics. An empty namespace
// selects types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, result types.DeliveryResult) {
	m.put(ctx, "delivery", count(types.MetricDeliveryOutcome, 1, dim(types.DimResult, string(result))))
}

func (m *CloudWatchMetrics) RecordPopulate(ctx context.Context, created, skipped, failed int) {
	m.put(ctx, "populate",
		count(types.MetricEntriesCreated, created),
		count(types.MetricEntriesSkipped, skipped),
		count(types.MetricEntriesFailed, failed),
	)
}

func (m *CloudWatchMetrics) RecordJob(ctx context.Context, task string, duration time.Duration, items int, err error) {
	taskDim := dim(types.DimTask, task)
	failed := 0
	if err != nil {
		failed = 1
	}
	m.put(ctx, "job",
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricJobDuration),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{taskDim},
		},
		count(types.MetricJobItems, items, taskDim),
		count(types.MetricJobFailure, failed, taskDim),
	)
}

// RecordBreakerTransition is called from inside the breaker, which has no
// context.
func (m *CloudWatchMetrics) RecordBreakerTransition(_, to string) {
	m.put(context.Background(), "breaker", count(types.MetricBreakerTransition, 1, dim(types.DimState, to)))
}

func (m *CloudWatchMetrics) put(ctx context.Context, what string, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	// Publishing outlives a cancelled tick but never hangs it.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if _, err := m.client.PutMetricData(pctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record "+what+" metric",
			"error", err,
		)
	}
}

func count(name string, v int, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(v)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
