package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"github.com/MarcoPoloResearchLab/carelog/internal/session"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10

	headerIdempotencyKey = "Idempotency-Key"
)

var errMissingBaseURL = errors.New("remote: base url is required")

// HTTPClientConfig describes the remote endpoint.
type HTTPClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPClient implements EventAPI over JSON/HTTP.
type HTTPClient struct {
	baseURL *url.URL
	client  *http.Client
	logger  *zap.Logger
}

type eventResponse struct {
	EventID string `json:"event_id"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// NewHTTPClient constructs an HTTPClient.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{baseURL: parsed, client: client, logger: logger}, nil
}

func (c *HTTPClient) CreateClosed(ctx context.Context, call Call, fields EventFields) (string, error) {
	return c.create(ctx, call, "/v1/events", fields)
}

func (c *HTTPClient) Start(ctx context.Context, call Call, fields EventFields) (string, error) {
	return c.create(ctx, call, "/v1/events/start", fields)
}

func (c *HTTPClient) Complete(ctx context.Context, call Call, eventID string, fields EventFields) error {
	_, err := c.send(ctx, call, http.MethodPost, eventPath(eventID, "complete"), fields)
	return err
}

func (c *HTTPClient) Update(ctx context.Context, call Call, eventID string, fields EventFields) error {
	_, err := c.send(ctx, call, http.MethodPatch, eventPath(eventID, ""), fields)
	return err
}

func (c *HTTPClient) Cancel(ctx context.Context, call Call, eventID string, reason string) error {
	_, err := c.send(ctx, call, http.MethodPost, eventPath(eventID, "cancel"), cancelRequest{Reason: reason})
	return err
}

func (c *HTTPClient) create(ctx context.Context, call Call, path string, fields EventFields) (string, error) {
	body, err := c.send(ctx, call, http.MethodPost, path, fields)
	if err != nil {
		return "", err
	}
	var response eventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("%w: decode %s response: %v", ErrRejected, path, err)
	}
	eventID := strings.TrimSpace(response.EventID)
	if eventID == "" || care.IsPlaceholderID(eventID) {
		return "", fmt.Errorf("%w: %s returned unusable event id %q", ErrRejected, path, response.EventID)
	}
	return eventID, nil
}

func (c *HTTPClient) send(ctx context.Context, call Call, method, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrRejected, err)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if call.Session.BearerToken != "" {
		request.Header.Set("Authorization", "Bearer "+call.Session.BearerToken)
	}
	if call.Session.HouseholdID != "" {
		request.Header.Set(session.HeaderHouseholdID, call.Session.HouseholdID)
	}
	if call.IdempotencyKey != "" {
		request.Header.Set(headerIdempotencyKey, call.IdempotencyKey)
	}

	response, err := c.client.Do(request)
	if err != nil {
		c.logger.Debug("remote request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s %s: %w", ErrConnectivity, method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: response.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			kind:       classifyStatus(response.StatusCode),
		}
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %w", ErrConnectivity, path, err)
	}
	return body, nil
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return ErrConnectivity
	default:
		return ErrRejected
	}
}

func eventPath(eventID, action string) string {
	path := "/v1/events/" + url.PathEscape(eventID)
	if action != "" {
		path += "/" + action
	}
	return path
}
