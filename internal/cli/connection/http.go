package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yndnr/corestate-go/internal/infra/buildinfo"
	"github.com/yndnr/corestate-go/internal/infra/tlsroots"
)

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	Timeout            time.Duration
	CAFile             string
	InsecureSkipVerify bool
}

// HTTPClient talks to the corestate admin API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for server, which may be host:port or
// a URL. TLS settings apply to https servers only.
func NewHTTPClient(server string, opts HTTPOptions) (*HTTPClient, error) {
	baseURL := strings.TrimRight(server, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if strings.HasPrefix(baseURL, "https://") {
		tlsCfg, err := tlsroots.ClientConfig(opts.CAFile, opts.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: opts.Timeout, Transport: transport},
	}, nil
}

// Get performs a GET request.
func (c *HTTPClient) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.addHeaders(req)
	return c.client.Do(req)
}

// Post performs a POST request with a JSON body. A nil body sends none.
func (c *HTTPClient) Post(ctx context.Context, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.addHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client.Do(req)
}

// GetJSON performs a GET and decodes the envelope data into target.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, target any) error {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return ParseResponse(resp, target)
}

// PostJSON performs a POST and decodes the envelope data into target.
func (c *HTTPClient) PostJSON(ctx context.Context, path string, body, target any) error {
	resp, err := c.Post(ctx, path, body)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return ParseResponse(resp, target)
}

// GetBytes performs a GET for a raw body such as a snapshot chunk.
func (c *HTTPClient) GetBytes(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func (c *HTTPClient) addHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "corestate-cli/"+buildinfo.Get().Version)
	req.Header.Set("Accept", "application/json")
}

// BaseURL returns the base URL of the client.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// APIError is an error reported by the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type envelope struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// ParseResponse decodes the response envelope. On success the data
// field is decoded into target, which may be nil. Error responses become
// an *APIError.
func ParseResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if target == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("parse response data: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err == nil && env.Code != "" {
		return &APIError{
			Status:    resp.StatusCode,
			Code:      env.Code,
			Message:   env.Message,
			RequestID: env.RequestID,
		}
	}
	return &APIError{
		Status:  resp.StatusCode,
		Code:    fmt.Sprintf("HTTP-%d", resp.StatusCode),
		Message: http.StatusText(resp.StatusCode),
	}
}
