package external

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"dailyprompt/internal/types"
)

// SMSGatewayConfig configures an SMSGateway.
type SMSGatewayConfig struct {
	// URL is the full endpoint messages are POSTed to.
	URL      string
	Token    types.SecretString
	SenderID string
	Logger   *slog.Logger
}

// SMSGateway posts messages to an HTTP SMS gateway:
//
//	POST {URL}
//	Authorization: Bearer {Token}
//	{"to": "+15551234567", "from": "DAILY", "body": "..."}
//
// Any 2xx response means the gateway accepted the message.
type SMSGateway struct {
	base     *BaseClient
	url      string
	token    types.SecretString
	senderID string
	logger   *slog.Logger
}

// NewSMSGateway creates an SMSGateway. httpClient's timeout applies on top of
// the executor's per-send deadline.
func NewSMSGateway(httpClient *http.Client, cfg SMSGatewayConfig) *SMSGateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SMSGateway{
		base:     NewBaseClient(httpClient, "dailyprompt/1.0"),
		url:      strings.TrimSuffix(cfg.URL, "/"),
		token:    cfg.Token,
		senderID: cfg.SenderID,
		logger:   logger,
	}
}

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

// Send implements scheduler.Transport.
func (g *SMSGateway) Send(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(smsRequest{To: to, From: g.senderID, Body: body})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode sms request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build sms request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token.IsSet() {
		req.Header.Set("Authorization", "Bearer "+g.token.Unmask())
	}

	resp, err := g.base.Do(req)
	if err != nil {
		g.logger.WarnContext(ctx, "sms gateway rejected message",
			"to", maskPhone(to),
			"error", err,
		)
		return err
	}
	resp.Body.Close()

	g.logger.DebugContext(ctx, "sms gateway accepted message",
		"to", maskPhone(to),
		"status", resp.StatusCode,
	)
	return nil
}

// maskPhone keeps the last four digits of a number for logs.
func maskPhone(number string) string {
	if len(number) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}
