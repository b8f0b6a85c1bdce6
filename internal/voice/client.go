package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

const (
	defaultBaseURL   = "https://api.voice-provider.example/v2"
	defaultUserAgent = "workcomp-booking/0.1"
	createCallPath   = "/create-phone-call"
)

// Config controls how the voice provider client behaves.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	// MaxRetries is zero by default: creating a call is not idempotent.
	MaxRetries int
	Backoff    time.Duration
	MaxSkew    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
}

// Client wraps the voice provider's REST endpoints used for outbound booking calls.
type Client struct {
	apiKey        string
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	maxRetries    int
	backoff       time.Duration
	maxSkew       time.Duration
	logger        *logging.Logger
	userAgent     string
	now           func() time.Time
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("voice: API key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(baseURL, "/"),
		webhookSecret: cfg.WebhookSecret,
		httpClient:    httpClient,
		maxRetries:    max(cfg.MaxRetries, 0),
		backoff:       backoff,
		maxSkew:       maxSkew,
		logger:        logger,
		userAgent:     userAgent,
		now:           time.Now,
	}, nil
}

// CreateCallRequest describes one outbound call placed by a voice agent.
type CreateCallRequest struct {
	FromNumber       string            `json:"from_number"`
	ToNumber         string            `json:"to_number"`
	AgentID          string            `json:"override_agent_id"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (r CreateCallRequest) validate() error {
	if strings.TrimSpace(r.FromNumber) == "" || strings.TrimSpace(r.ToNumber) == "" {
		return errors.New("voice: from and to numbers are required")
	}
	if strings.TrimSpace(r.AgentID) == "" {
		return errors.New("voice: agent id is required")
	}
	return nil
}

// Call is the provider's handle for a created call.
type Call struct {
	CallID     string `json:"call_id"`
	CallStatus string `json:"call_status"`
	AgentID    string `json:"agent_id,omitempty"`
}

// CreatePhoneCall asks the provider to dial ToNumber with the given agent.
func (c *Client) CreatePhoneCall(ctx context.Context, req CreateCallRequest) (*Call, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("voice: marshal create call: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, createCallPath, body)
	if err != nil {
		return nil, err
	}
	var call Call
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("voice: decode create call response: %w", err)
	}
	if call.CallID == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "response missing call_id", Body: string(data)}
	}
	c.logger.Info("voice: outbound call created",
		"call_id", call.CallID,
		"call_status", call.CallStatus,
		"to", logging.MaskPhone(req.ToNumber),
	)
	return &call, nil
}

func (c *Client) invoke(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	fullURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("voice: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("voice: http error: %w", err)
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, lastErr
			}
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("voice: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		c.logger.Error("voice: API error", "path", path, "status", resp.StatusCode, "body", string(data))
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("voice: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	c.logger.Warn("voice retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// APIError is a non-success response from the provider.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error_message,omitempty"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("voice: %s (status=%d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("voice: http status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the same request may succeed later.
func (e *APIError) Transient() bool {
	return shouldRetry(e.StatusCode, nil)
}

func decodeAPIError(status int, body []byte) error {
	parsed := APIError{StatusCode: status, Body: strings.TrimSpace(string(body))}
	var payload struct {
		ErrorMessage string `json:"error_message"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		parsed.Message = payload.ErrorMessage
		if parsed.Message == "" {
			parsed.Message = payload.Message
		}
	}
	return &parsed
}

// IsTransient classifies a CreatePhoneCall error: timeouts, transport
// failures, 429 and 5xx responses are transient; everything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
