// Package notify delivers task results to the application layer.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/sempo/ethworker/internal/types"
)

// Sink receives a Result whenever a transaction reaches a state the
// application should reflect.
type Sink interface {
	Deliver(ctx context.Context, result types.Result) error
}

// WebhookSink POSTs results as JSON to a fixed URL.
type WebhookSink struct {
	url        string
	secret     string
	httpClient *retryablehttp.Client
	logger     *logrus.Entry
}

var _ Sink = (*WebhookSink)(nil)

type WebhookOptions struct {
	// Secret is sent as a bearer token when set.
	Secret       string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

func NewWebhookSink(url string, opts WebhookOptions, logger *logrus.Logger) *WebhookSink {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryWaitMin == 0 {
		opts.RetryWaitMin = time.Second
	}
	if opts.RetryWaitMax == 0 {
		opts.RetryWaitMax = 10 * time.Second
	}

	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	httpClient.HTTPClient.Timeout = opts.Timeout
	httpClient.RetryMax = opts.RetryMax
	httpClient.RetryWaitMin = opts.RetryWaitMin
	httpClient.RetryWaitMax = opts.RetryWaitMax

	return &WebhookSink{
		url:        url,
		secret:     opts.Secret,
		httpClient: httpClient,
		logger:     logger.WithField("service", "webhook"),
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, result types.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("fail to marshal result: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fail to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set("Authorization", "Bearer "+s.secret)
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fail to deliver result for %s: %w", result.CreditTransferID, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned %d for %s", res.StatusCode, result.CreditTransferID)
	}
	s.logger.WithFields(logrus.Fields{
		"credit_transfer_id": result.CreditTransferID,
		"status":             result.Status,
	}).Debug("result delivered")
	return nil
}

// LogSink only logs results. It is used when no webhook is configured.
type LogSink struct {
	logger *logrus.Entry
}

var _ Sink = (*LogSink)(nil)

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger.WithField("service", "result_sink")}
}

func (s *LogSink) Deliver(_ context.Context, result types.Result) error {
	s.logger.WithFields(logrus.Fields{
		"credit_transfer_id": result.CreditTransferID,
		"task_id":            result.TaskID,
		"status":             result.Status,
		"hash":               result.Hash,
		"message":            result.Message,
	}).Info("task result")
	return nil
}
