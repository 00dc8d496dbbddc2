package external

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"dailyprompt/internal/types"
)

// SQSAPI is the subset of the SQS client used by SQSTransport.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// OutboundMessage is the body published for the gateway worker.
type OutboundMessage struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Body      string `json:"body"`
	RequestID string `json:"request_id,omitempty"`
}

// SQSTransport hands messages to a gateway worker through an SQS queue. A
// successful SendMessage counts as delivery.
type SQSTransport struct {
	api      SQSAPI
	queueURL string
	senderID string
	logger   *slog.Logger
}

// NewSQSTransport creates an SQSTransport from an AWS config.
func NewSQSTransport(awsCfg aws.Config, queueURL, senderID string, logger *slog.Logger) *SQSTransport {
	return NewSQSTransportWithAPI(sqs.NewFromConfig(awsCfg), queueURL, senderID, logger)
}

// NewSQSTransportWithAPI creates an SQSTransport on a pre-built client.
func NewSQSTransportWithAPI(api SQSAPI, queueURL, senderID string, logger *slog.Logger) *SQSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSTransport{api: api, queueURL: queueURL, senderID: senderID, logger: logger}
}

// Send implements scheduler.Transport.
func (t *SQSTransport) Send(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(OutboundMessage{
		To:        to,
		From:      t.senderID,
		Body:      body,
		RequestID: types.GetRequestID(ctx),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode outbound message", err)
	}

	out, err := t.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"channel": {DataType: aws.String("String"), StringValue: aws.String("sms")},
		},
	})
	if err != nil {
		return t.mapError(err)
	}

	t.logger.DebugContext(ctx, "outbound message queued",
		"to", maskPhone(to),
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

func (t *SQSTransport) mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeUpstreamTimeout, "sqs send timed out", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestThrottled", "ThrottlingException":
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "sqs throttled the send", err)
		case "InvalidMessageContents", "QueueDoesNotExist", "AWS.SimpleQueueService.NonExistentQueue":
			return types.NewAppError(types.ErrCodeUpstreamRejected, "sqs rejected the message", err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "sqs send failed", err)
}
