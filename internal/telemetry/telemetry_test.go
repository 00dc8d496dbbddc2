package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dailyprompt/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dimValue(d cwtypes.MetricDatum, name string) string {
	for _, dim := range d.Dimensions {
		if aws.ToString(dim.Name) == name {
			return aws.ToString(dim.Value)
		}
	}
	return ""
}

func TestCloudWatchMetrics_RecordDelivery(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "", testLogger())

	m.RecordDelivery(context.Background(), types.DeliverySent)

	require.Len(t, cw.calls, 1)
	in := cw.calls[0]
	assert.Equal(t, types.MetricNamespace, aws.ToString(in.Namespace))
	require.Len(t, in.MetricData, 1)
	d := in.MetricData[0]
	assert.Equal(t, types.MetricDeliveryOutcome, aws.ToString(d.MetricName))
	assert.Equal(t, 1.0, aws.ToFloat64(d.Value))
	assert.Equal(t, cwtypes.StandardUnitCount, d.Unit)
	assert.Equal(t, "sent", dimValue(d, types.DimResult))
}

func TestCloudWatchMetrics_RecordPopulate(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "Custom", testLogger())

	m.RecordPopulate(context.Background(), 3, 2, 1)

	require.Len(t, cw.calls, 1)
	assert.Equal(t, "Custom", aws.ToString(cw.calls[0].Namespace))
	got := map[string]float64{}
	for _, d := range cw.calls[0].MetricData {
		got[aws.ToString(d.MetricName)] = aws.ToFloat64(d.Value)
	}
	assert.Equal(t, map[string]float64{
		types.MetricEntriesCreated: 3,
		types.MetricEntriesSkipped: 2,
		types.MetricEntriesFailed:  1,
	}, got)
}

func TestCloudWatchMetrics_RecordJob(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "", testLogger())

	m.RecordJob(context.Background(), "deliver_due", 1500*time.Millisecond, 4, errors.New("boom"))

	require.Len(t, cw.calls, 1)
	data := cw.calls[0].MetricData
	require.Len(t, data, 3)
	assert.Equal(t, types.MetricJobDuration, aws.ToString(data[0].MetricName))
	assert.Equal(t, 1500.0, aws.ToFloat64(data[0].Value))
	assert.Equal(t, cwtypes.StandardUnitMilliseconds, data[0].Unit)
	assert.Equal(t, 4.0, aws.ToFloat64(data[1].Value))
	assert.Equal(t, 1.0, aws.ToFloat64(data[2].Value))
	for _, d := range data {
		assert.Equal(t, "deliver_due", dimValue(d, types.DimTask))
	}
}

func TestCloudWatchMetrics_PublishErrorIsSwallowed(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	m := NewCloudWatchMetrics(cw, "", testLogger())

	assert.NotPanics(t, func() {
		m.RecordBreakerTransition("closed", "open")
	})
	require.Len(t, cw.calls, 1)
	assert.Equal(t, "open", dimValue(cw.calls[0].MetricData[0], types.DimState))
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

func TestPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics()
	ctx := context.Background()

	m.RecordDelivery(ctx, types.DeliverySent)
	m.RecordDelivery(ctx, types.DeliverySent)
	m.RecordDelivery(ctx, types.DeliveryMissed)
	m.RecordPopulate(ctx, 5, 1, 0)
	m.RecordJob(ctx, "populate_queue", time.Second, 5, nil)
	m.RecordJob(ctx, "populate_queue", time.Second, 0, errors.New("store down"))
	m.RecordBreakerTransition("closed", "open")

	assert.Equal(t, 2.0, metricValue(t, m.deliveries.WithLabelValues("sent")))
	assert.Equal(t, 1.0, metricValue(t, m.deliveries.WithLabelValues("missed")))
	assert.Equal(t, 5.0, metricValue(t, m.populated.WithLabelValues("created")))
	assert.Equal(t, 5.0, metricValue(t, m.jobItems.WithLabelValues("populate_queue")))
	assert.Equal(t, 1.0, metricValue(t, m.jobFailures.WithLabelValues("populate_queue")))
	assert.Equal(t, 1.0, metricValue(t, m.breakerOpen))

	m.RecordBreakerTransition("open", "half-open")
	assert.Equal(t, 0.0, metricValue(t, m.breakerOpen))
}

func TestPrometheusMetrics_Handler(t *testing.T) {
	m := NewPrometheusMetrics()
	m.RecordDelivery(context.Background(), types.DeliveryFailed)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dailyprompt_deliveries_total{result="failed"} 1`)
}

func TestNew(t *testing.T) {
	m, h, err := New(BackendNone, aws.Config{}, "", testLogger())
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Nil(t, h)

	m, h, err = New(BackendPrometheus, aws.Config{}, "", testLogger())
	require.NoError(t, err)
	assert.IsType(t, &PrometheusMetrics{}, m)
	assert.NotNil(t, h)

	m, _, err = New(BackendCloudWatch, aws.Config{Region: "us-east-1"}, "", testLogger())
	require.NoError(t, err)
	assert.IsType(t, &CloudWatchMetrics{}, m)

	_, _, err = New("statsd", aws.Config{}, "", testLogger())
	assert.Error(t, err)
}
