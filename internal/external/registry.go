package external

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"

	"dailyprompt/internal/config"
	"dailyprompt/internal/scheduler"
)

// Transport kinds accepted by TRANSPORT_KIND.
const (
	KindHTTP = "http"
	KindSQS  = "sqs"
	KindLog  = "log"
)

// NewTransport builds the outbound transport selected by cfg.Kind. The log
// transport sends nothing and is only for local runs; config validation
// rejects it elsewhere. awsCfg is used by the sqs kind only.
func NewTransport(cfg config.TransportConfig, awsCfg aws.Config, logger *slog.Logger) (scheduler.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Kind {
	case KindLog, "":
		logger.Info("initializing transport in DRY-RUN mode")
		return NewLogTransport(logger.With("transport", KindLog)), nil

	case KindHTTP:
		if cfg.GatewayURL == "" {
			return nil, fmt.Errorf("transport %q requires SMS_GATEWAY_URL", cfg.Kind)
		}
		logger.Info("initializing HTTP SMS gateway transport", "timeout", cfg.HTTPTimeout)
		return NewSMSGateway(&http.Client{Timeout: cfg.HTTPTimeout}, SMSGatewayConfig{
			URL:      cfg.GatewayURL,
			Token:    cfg.GatewayToken,
			SenderID: cfg.SenderID,
			Logger:   logger.With("transport", KindHTTP),
		}), nil

	case KindSQS:
		if cfg.OutboundQueueURL == "" {
			return nil, fmt.Errorf("transport %q requires SMS_OUTBOUND_QUEUE_URL", cfg.Kind)
		}
		logger.Info("initializing SQS hand-off transport", "queue_url", cfg.OutboundQueueURL)
		return NewSQSTransport(awsCfg, cfg.OutboundQueueURL, cfg.SenderID, logger.With("transport", KindSQS)), nil

	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}
