package webpush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTTL            = 24 * time.Hour
	defaultRequestTimeout = 10 * time.Second
	maxResponseDetail     = 512
)

var errMissingSigner = errors.New("webpush: vapid signer is required")

// Urgency values defined by RFC 8030 section 5.3.
const (
	UrgencyVeryLow = "very-low"
	UrgencyLow     = "low"
	UrgencyNormal  = "normal"
	UrgencyHigh    = "high"
)

// ClientConfig configures the push transport.
type ClientConfig struct {
	Signer         *VAPIDSigner
	HTTPClient     *http.Client
	TTL            time.Duration
	Urgency        string
	RequestTimeout time.Duration
	Limiter        *rate.Limiter
	Random         io.Reader
	Logger         *zap.Logger
}

// Response is the push service's answer to a delivery request.
type Response struct {
	StatusCode int
	Detail     string
}

// Success reports a 2xx answer.
func (r Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Gone reports that the push service no longer knows the subscription.
func (r Response) Gone() bool {
	return r.StatusCode == http.StatusNotFound || r.StatusCode == http.StatusGone
}

// Client delivers encrypted messages to push services.
type Client struct {
	signer         *VAPIDSigner
	httpClient     *http.Client
	ttl            time.Duration
	urgency        string
	requestTimeout time.Duration
	limiter        *rate.Limiter
	random         io.Reader
	logger         *zap.Logger
}

// NewClient constructs a Client with defaults for unset options.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Signer == nil {
		return nil, errMissingSigner
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	urgency := strings.TrimSpace(cfg.Urgency)
	switch urgency {
	case "", UrgencyVeryLow, UrgencyLow, UrgencyNormal, UrgencyHigh:
	default:
		return nil, fmt.Errorf("webpush: unsupported urgency %q", urgency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		signer:         cfg.Signer,
		httpClient:     httpClient,
		ttl:            ttl,
		urgency:        urgency,
		requestTimeout: requestTimeout,
		limiter:        cfg.Limiter,
		random:         cfg.Random,
		logger:         logger,
	}, nil
}

// Send encrypts payload for the subscription and posts it to the endpoint.
// A non-nil error means no usable response was obtained; HTTP error statuses are
// returned in Response for the caller to classify.
func (c *Client) Send(ctx context.Context, subscription Subscription, payload []byte) (Response, error) {
	authorization, err := c.signer.AuthorizationHeader(subscription.Endpoint)
	if err != nil {
		return Response{}, err
	}
	body, err := Encrypt(subscription, payload, c.random)
	if err != nil {
		return Response{}, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("webpush: rate limiter: %w", err)
		}
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, subscription.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("webpush: build request: %w", err)
	}
	request.Header.Set("Authorization", authorization)
	request.Header.Set("Content-Encoding", ContentEncoding)
	request.Header.Set("Content-Type", "application/octet-stream")
	request.Header.Set("TTL", strconv.FormatInt(int64(c.ttl/time.Second), 10))
	if c.urgency != "" {
		request.Header.Set("Urgency", c.urgency)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return Response{}, fmt.Errorf("webpush: deliver: %w", err)
	}
	defer response.Body.Close()

	detail, _ := io.ReadAll(io.LimitReader(response.Body, maxResponseDetail))
	_, _ = io.Copy(io.Discard, response.Body)

	c.logger.Debug("push service responded",
		zap.String("endpoint", subscription.Endpoint),
		zap.Int("status_code", response.StatusCode))

	return Response{
		StatusCode: response.StatusCode,
		Detail:     strings.TrimSpace(string(detail)),
	}, nil
}

