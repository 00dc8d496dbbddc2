package telemetry

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"dailyprompt/internal/scheduler"
)

// Metric backends selectable with METRICS_BACKEND.
const (
	BackendNone       = "none"
	BackendPrometheus = "prometheus"
	BackendCloudWatch = "cloudwatch"
)

// New builds the Metrics for backend. The returned handler is non-nil only
// for Prometheus and should be mounted at /metrics.
func New(backend string, awsCfg aws.Config, namespace string, logger *slog.Logger) (scheduler.Metrics, http.Handler, error) {
	switch backend {
	case "", BackendNone:
		return scheduler.NoopMetrics(), nil, nil
	case BackendPrometheus:
		m := NewPrometheusMetrics()
		return m, m.Handler(), nil
	case BackendCloudWatch:
		return NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), namespace, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown metrics backend %q", backend)
	}
}
