package jobpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	defaultAdminTimeout       = 5 * time.Second
	defaultAdminRetryAttempts = 2
	defaultAdminRetryDelay    = 500 * time.Millisecond
	defaultProcessListPath    = "/api/processes"
)

// AdminClient fetches the process list from the admin service.
type AdminClient interface {
	FetchProcesses(ctx context.Context) ([]ProcessActivation, error)
}

// ServerError is returned for 5xx responses, which are the only ones retried.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("admin service returned %d: %s", e.StatusCode, e.Body)
}

// HTTPAdminClient reads the process list over HTTP with a bounded fixed-delay retry.
type HTTPAdminClient struct {
	baseURL       string
	path          string
	client        *http.Client
	retryAttempts uint
	retryDelay    time.Duration
	logger        *zap.Logger
}

// NewHTTPAdminClient creates a client for the admin service at baseURL.
func NewHTTPAdminClient(baseURL string, logger *zap.Logger, opts ...AdminClientOption) *HTTPAdminClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &HTTPAdminClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		path:          defaultProcessListPath,
		client:        &http.Client{Timeout: defaultAdminTimeout},
		retryAttempts: defaultAdminRetryAttempts,
		retryDelay:    defaultAdminRetryDelay,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchProcesses implements AdminClient.
func (c *HTTPAdminClient) FetchProcesses(ctx context.Context) ([]ProcessActivation, error) {
	url := c.baseURL + c.path

	operation := func() ([]ProcessActivation, error) {
		list, err := c.fetchOnce(ctx, url)
		if err == nil {
			return list, nil
		}
		var serverErr *ServerError
		if errors.As(err, &serverErr) {
			c.logger.Warn("Admin service failed, retrying",
				zap.String("url", url),
				zap.Int("status", serverErr.StatusCode),
			)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	list, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(c.retryAttempts+1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch process list: %w", err)
	}
	return list, nil
}

func (c *HTTPAdminClient) fetchOnce(ctx context.Context, url string) ([]ProcessActivation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call admin service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ServerError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("admin service returned %d", resp.StatusCode)
	}

	var list []ProcessActivation
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode process list: %w", err)
	}
	return list, nil
}
