// Package external holds the Transport implementations that hand a daily
// message to whatever actually delivers it: an HTTP SMS gateway, an SQS
// queue read by a gateway worker, or the log.
//
// Transports make exactly one attempt per call. The scheduler's circuit
// breaker, not the transport, decides whether the next send happens.
package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"dailyprompt/internal/types"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// BaseClient wraps an *http.Client so every outbound call gets the same
// headers and the same error mapping. Provider clients embed it.
type BaseClient struct {
	client    *http.Client
	userAgent string
}

// NewBaseClient creates a BaseClient. The caller owns the http.Client timeout.
func NewBaseClient(httpClient *http.Client, userAgent string) *BaseClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BaseClient{client: httpClient, userAgent: userAgent}
}

// Do sends the request once. A 2xx response is returned to the caller, who
// closes the body. Anything else is drained, closed and mapped to an
// upstream AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if id := types.GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, mapStatus(resp.StatusCode, string(body))
}

func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeUpstreamTimeout, "upstream request timed out", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request failed", err)
}

func mapStatus(status int, body string) error {
	msg := fmt.Sprintf("upstream returned %d", status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, msg, nil)
	case status >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, msg, nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamRejected, msg, nil)
	}
}
