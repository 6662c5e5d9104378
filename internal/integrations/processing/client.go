package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"concierge-sync/internal/integrations/paramstore"
)

// Request is the body sent to the processing endpoint after a member message
// has been persisted.
type Request struct {
	Message        string `json:"message"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	CorrelationID  string `json:"correlationId,omitempty"`
}

// Reply is the endpoint's answer. Text is empty when the endpoint replies
// asynchronously through the realtime feed only. CorrelationID is set when
// the endpoint echoes the request's correlation id.
type Reply struct {
	Text          string `json:"response,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("processing: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the message processing endpoint.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string

	tokenMu sync.Mutex
	token   string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for the endpoint rooted at baseURL. The bearer
// token is read from SSM on the first successful Process call and reused for
// the lifetime of the process.
func NewClient(baseURL string, ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("processing: base URL must not be empty")
	}
	if ps == nil {
		return nil, errors.New("processing: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("processing: parameter prefix must not be empty")
	}
	// No client timeout: the caller's context bounds the call.
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TokenParameterName is the SSM parameter holding the endpoint's bearer token.
func TokenParameterName(paramPrefix string) string {
	return strings.TrimRight(paramPrefix, "/") + "/processing-token"
}

// resolveToken caches only a token that was fetched successfully, so a
// cancelled or failed first fetch is retried by the next call.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := paramstore.Token(ctx, c.getter, TokenParameterName(c.paramPrefix))
	if err != nil {
		return "", fmt.Errorf("processing: resolve token: %w", err)
	}
	c.token = token
	return token, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

func (c *Client) processURL() string {
	return c.baseURL + "/process"
}

// Process submits a persisted member message for processing.
func (c *Client) Process(ctx context.Context, in Request) (Reply, error) {
	if in.Message == "" || in.ConversationID == "" {
		return Reply{}, errors.New("processing: message and conversation id are required")
	}

	token, err := c.resolveToken(ctx)
	if err != nil {
		return Reply{}, err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return Reply{}, fmt.Errorf("processing: marshal request: %w", err)
	}

	url := c.processURL()
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return Reply{}, fmt.Errorf("processing: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return Reply{}, fmt.Errorf("processing: request failed: %w", err)
	}

	var out Reply
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if decErr := json.Unmarshal(raw, &out); decErr != nil {
		return Reply{}, fmt.Errorf("processing: decode response: %w", decErr)
	}
	return out, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
