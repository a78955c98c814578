package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/metrics"
	"github.com/shardline/shardline/internal/observability"
	"github.com/shardline/shardline/internal/ratelimit"
)

const (
	// maxBucketRetries is how often a bucket 429 is requeued before the
	// caller sees RateLimitedError.
	maxBucketRetries = 1

	defaultRetryAfter = time.Second
)

// rateLimitBody is the JSON body of a 429 response.
type rateLimitBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
	Code       int     `json:"code"`
}

// errorBody is the JSON body of other error responses.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Request sends method path with an optional JSON body. It waits for
// admission, requeues a bucket 429 once and waits out a global 429 before
// failing.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	route := ratelimit.NewRoute(method, path)

	retries := 0
	for attempt := 1; ; attempt++ {
		queued := c.clock.Now()
		permit, err := c.limiter.Acquire(ctx, method, path)
		if err != nil {
			return nil, err
		}
		metrics.RecordAdmissionWait(route.Key(), c.clock.Since(queued))

		resp, err := c.attempt(ctx, permit, method, path, payload, attempt)
		if err == nil {
			return resp, nil
		}

		var limited *RateLimitedError
		if !errors.As(err, &limited) || limited.Global || retries >= maxBucketRetries {
			return nil, err
		}
		retries++
		c.logger.Info("Requeueing rate limited request",
			zap.String("route", route.Key()),
			zap.String("bucket", limited.Bucket),
			zap.Duration("retry_after", limited.RetryAfter))
	}
}

// attempt runs one admitted request and settles its permit.
func (c *Client) attempt(ctx context.Context, permit *ratelimit.Permit, method, path string, payload []byte, attempt int) (*Response, error) {
	route := permit.Route()
	spanCtx, span := observability.StartRequestSpan(ctx, method, route.Key(), attempt)

	start := c.clock.Now()
	resp, body, err := c.send(spanCtx, method, path, payload)
	if err != nil {
		permit.Release()
		terr := &TransportError{Route: route.Key(), Err: err}
		observability.EndSpanWithError(span, terr)
		metrics.RecordRESTRequest(route.Key(), 0, c.clock.Since(start))
		return nil, terr
	}
	metrics.RecordRESTRequest(route.Key(), resp.StatusCode, c.clock.Since(start))

	headers := ratelimit.ParseHeaders(resp.Header, c.clock.Now())
	permit.Complete(headers)

	if resp.StatusCode == http.StatusTooManyRequests {
		err = c.rateLimited(ctx, route, headers, body)
		observability.EndSpanWithError(span, err)
		return nil, err
	}

	err = statusError(resp.StatusCode, body)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
		Bucket: headers.Bucket,
	}, nil
}

// rateLimited applies a 429 to the limiter and returns the error for it.
// A global limit is waited out here so the caller can retry immediately.
func (c *Client) rateLimited(ctx context.Context, route ratelimit.Route, headers ratelimit.Headers, body []byte) error {
	var parsed rateLimitBody
	_ = json.Unmarshal(body, &parsed)

	retryAfter := retryAfterFrom(parsed, headers)
	global := parsed.Global || headers.Global
	bucket := c.limiter.Ledger().BucketFor(route)

	c.recordIncident(ctx, ratelimit.Incident{
		Route:      route.Key(),
		Bucket:     headers.Bucket,
		Scope:      headers.Scope,
		Global:     global,
		RetryAfter: retryAfter,
		OccurredAt: c.clock.Now(),
	})
	metrics.RecordRateLimit(route.Key(), global)

	limited := &RateLimitedError{Route: route.Key(), Bucket: bucket, Global: global, RetryAfter: retryAfter}
	if !global {
		c.limiter.Backoff(route, retryAfter)
		return limited
	}

	c.limiter.RecordGlobalLimit(route)
	until := c.limiter.PauseGlobal(retryAfter)
	if err := c.waitUntil(ctx, until); err != nil {
		return err
	}
	return limited
}

// retryAfterFrom picks the wait from the body, then Retry-After, then the
// bucket reset.
func retryAfterFrom(body rateLimitBody, headers ratelimit.Headers) time.Duration {
	switch {
	case body.RetryAfter > 0:
		return time.Duration(body.RetryAfter * float64(time.Second))
	case headers.RetryAfter > 0:
		return headers.RetryAfter
	case headers.ResetAfter > 0:
		return headers.ResetAfter
	}
	return defaultRetryAfter
}

func (c *Client) waitUntil(ctx context.Context, until time.Time) error {
	d := until.Sub(c.clock.Now())
	if d <= 0 {
		return nil
	}
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) recordIncident(ctx context.Context, incident ratelimit.Incident) {
	c.logger.Warn("Rate limited",
		zap.String("route", incident.Route),
		zap.String("bucket", incident.Bucket),
		zap.Bool("global", incident.Global),
		zap.Duration("retry_after", incident.RetryAfter))
	if c.incidents == nil {
		return
	}
	if err := c.incidents.RecordIncident(context.WithoutCancel(ctx), incident); err != nil {
		c.logger.Debug("Failed to record rate limit incident", zap.Error(err))
	}
}

func statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return ErrInvalidSession
	}
	var parsed errorBody
	_ = json.Unmarshal(body, &parsed)
	return &ServerError{Status: status, Code: parsed.Code, Message: parsed.Message, Body: body}
}
