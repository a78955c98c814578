package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shardline/shardline/internal/observability"
	"github.com/shardline/shardline/internal/ratelimit"
)

const (
	DefaultBaseURL   = "https://discord.com/api/v10"
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "DiscordBot (https://github.com/shardline/shardline, dev)"

	maxResponseBytes = 8 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
	ProxyURL  string

	// HTTPClient overrides the client built from Timeout and ProxyURL.
	HTTPClient *http.Client
	Controller *ratelimit.Controller
	Incidents  ratelimit.IncidentRecorder

	Clock  clock.Clock
	Logger observability.Logger
}

// Client issues REST requests through the admission controller and retries
// bucket rate limits once.
type Client struct {
	baseURL   *url.URL
	token     string
	userAgent string
	http      *http.Client
	limiter   *ratelimit.Controller
	incidents ratelimit.IncidentRecorder
	clock     clock.Clock
	logger    observability.Logger
}

// Response is a successful REST response with its body fully read.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Bucket is the server bucket id the response reported, if any.
	Bucket string
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return fmt.Errorf("rest: empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// New creates a client. A nil Controller gets a fresh one with the default
// global budget.
func New(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("rest: invalid base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("rest: unsupported base url scheme %q", baseURL.Scheme)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient, err = newHTTPClient(cfg.Timeout, cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
	}

	limiter := cfg.Controller
	if limiter == nil {
		limiter = ratelimit.NewController(ratelimit.ControllerConfig{Clock: clk, Logger: logger})
	}

	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		baseURL:   baseURL,
		token:     strings.TrimSpace(cfg.Token),
		userAgent: userAgent,
		http:      httpClient,
		limiter:   limiter,
		incidents: cfg.Incidents,
		clock:     clk,
		logger:    logger,
	}, nil
}

func newHTTPClient(timeout time.Duration, proxy string) (*http.Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy = strings.TrimSpace(proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("rest: invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

// Controller exposes the admission controller the client admits through.
func (c *Client) Controller() *ratelimit.Controller {
	return c.limiter
}

func (c *Client) authorization() string {
	if c.token == "" {
		return ""
	}
	if strings.HasPrefix(c.token, "Bot ") || strings.HasPrefix(c.token, "Bearer ") {
		return c.token
	}
	return "Bot " + c.token
}

// encodeBody marshals body once so every attempt sends the same bytes.
func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("rest: encode body: %w", err)
	}
	return payload, nil
}

// send performs one HTTP round trip and reads the body.
func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, []byte, error) {
	target := c.baseURL.String() + "/" + strings.TrimLeft(path, "/")

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if auth := c.authorization(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}
