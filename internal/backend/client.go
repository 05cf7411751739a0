package backend

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

	"github.com/MarcoPoloResearchLab/clinicsync/internal/queue"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
)

const (
	defaultRequestTimeout = 15 * time.Second

	headerIdempotencyKey = "Idempotency-Key"
	headerCorrelationID  = "X-Correlation-Id"
)

var errMissingBaseURL = errors.New("backend base url is required")

// HTTPError reports a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// TokenProvider supplies the bearer token attached to each request.
type TokenProvider interface {
	BearerToken() (string, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	Tokens     TokenProvider
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client talks JSON over HTTP to the records backend. It serves as the fetch
// collaborator of the cache, the sender of the write queue, and the network
// probe.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("backend base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
	}, nil
}

type recordsResponse struct {
	Records []records.Record `json:"records"`
}

type writeRequest struct {
	CorrelationID string          `json:"correlation_id"`
	Target        string          `json:"target"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	BaseVersion   int64           `json:"base_version,omitempty"`
	Sequence      int64           `json:"sequence"`
}

type writeResponse struct {
	Record          records.Record `json:"record"`
	PreviousVersion int64          `json:"previous_version"`
	Duplicate       bool           `json:"duplicate"`
}

// FetchRecords returns the full record list for scope.
func (c *Client) FetchRecords(ctx context.Context, scope records.Scope) ([]records.Record, error) {
	var response recordsResponse
	requestPath := "/v1/scopes/" + url.PathEscape(scope.String()) + "/records"
	if err := c.doJSON(ctx, http.MethodGet, requestPath, nil, nil, &response); err != nil {
		return nil, err
	}
	if response.Records == nil {
		return []records.Record{}, nil
	}
	return response.Records, nil
}

// SendWrite replays a queued write. The correlation id doubles as the
// idempotency key so a replay after a lost acknowledgment is applied once.
func (c *Client) SendWrite(ctx context.Context, write queue.Write) (queue.Ack, error) {
	body := writeRequest{
		CorrelationID: write.CorrelationID,
		Target:        write.Target.String(),
		Operation:     string(write.Operation),
		Payload:       write.Payload,
		BaseVersion:   write.BaseVersion,
		Sequence:      write.Sequence,
	}
	headers := map[string]string{headerIdempotencyKey: write.CorrelationID}
	requestPath := "/v1/scopes/" + url.PathEscape(write.Scope.String()) + "/writes"

	var response writeResponse
	if err := c.doJSON(ctx, http.MethodPost, requestPath, headers, body, &response); err != nil {
		return queue.Ack{}, err
	}
	if response.Record.Key == "" {
		response.Record.Key = write.Target
	}
	return queue.Ack{
		Record:          response.Record,
		PreviousVersion: response.PreviousVersion,
		Duplicate:       response.Duplicate,
	}, nil
}

// Probe checks backend reachability.
func (c *Client) Probe(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, headers map[string]string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.BearerToken()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if correlation := headers[headerIdempotencyKey]; correlation != "" {
		req.Header.Set(headerCorrelationID, correlation)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}
