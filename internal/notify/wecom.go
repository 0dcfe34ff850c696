// Package notify delivers rendered reports to WeCom group-bot webhooks.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"listen_report/internal/config"
	"listen_report/internal/metrics"
)

const (
	EnvTest = "test"
	EnvProd = "prod"

	maskedTargetLen   = 60
	maxMarkdownBytes  = 4096
	maxResponseBytes  = 1 << 20
	breakerTripAfter  = 5
	breakerOpenPeriod = 2 * time.Minute
)

var (
	ErrNoTarget      = errors.New("notify: webhook target not configured")
	ErrNothingToSend = errors.New("notify: empty report")
)

// Target is one configured webhook.
type Target struct {
	Env       string
	SendURL   string
	UploadURL string
}

// NewTarget derives the upload endpoint from sendURL unless uploadURL is set.
func NewTarget(env, sendURL, uploadURL string) Target {
	if uploadURL == "" {
		uploadURL = config.DeriveUploadURL(sendURL)
	}
	return Target{Env: env, SendURL: sendURL, UploadURL: uploadURL}
}

// Masked is the loggable form of the send URL.
func (t Target) Masked() string { return MaskTarget(t.SendURL) }

func MaskTarget(u string) string {
	r := []rune(u)
	if len(r) <= maskedTargetLen {
		return u
	}
	return string(r[:maskedTargetLen]) + "..."
}

// DeliveryError reports which tier and strategy failed.
type DeliveryError struct {
	Tier     string
	Strategy string
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Strategy != "" {
		return fmt.Sprintf("delivery %s/%s: %v", e.Tier, e.Strategy, e.Err)
	}
	return fmt.Sprintf("delivery %s: %v", e.Tier, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Options configures a Client. Zero values take the defaults.
type Options struct {
	Timeout    time.Duration
	RatePerMin int
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Client sends messages with a per-target circuit breaker and a shared rate
// limit.
type Client struct {
	http       *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	strategies []Strategy

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

func New(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RatePerMin <= 0 {
		opts.RatePerMin = 20
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	c := &Client{
		http:     hc,
		timeout:  opts.Timeout,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMin)), max(1, opts.RatePerMin/4)),
		metrics:  opts.Metrics,
		logger:   logger.With().Str("component", "notify").Logger(),
		breakers: map[string]*gobreaker.CircuitBreaker[[]byte]{},
	}
	c.strategies = c.defaultStrategies()
	return c
}

type apiResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
	MediaID string `json:"media_id,omitempty"`
}

func (c *Client) breaker(env string) *gobreaker.CircuitBreaker[[]byte] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[env]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "wecom-" + env,
		MaxRequests: 1,
		Timeout:     breakerOpenPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("webhook breaker state change")
			c.metrics.BreakerState(env, breakerGauge(to))
		},
	})
	c.breakers[env] = cb
	return cb
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// do runs one webhook call through the limiter and breaker and decodes the
// errcode envelope.
func (c *Client) do(ctx context.Context, t Target, call string, build func(ctx context.Context) (*http.Request, error)) (apiResponse, error) {
	var resp apiResponse
	if err := c.limiter.Wait(ctx); err != nil {
		return resp, fmt.Errorf("rate limit: %w", err)
	}
	body, err := c.breaker(t.Env).Execute(func() ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		res, err := c.http.Do(req)
		c.metrics.ObserveWebhook(call, time.Since(start))
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil, fmt.Errorf("%s: status %d", call, res.StatusCode)
		}
		var r apiResponse
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", call, err)
		}
		if r.ErrCode != 0 {
			return nil, fmt.Errorf("%s: errcode %d: %s", call, r.ErrCode, r.ErrMsg)
		}
		return data, nil
	})
	if err != nil {
		return resp, err
	}
	_ = json.Unmarshal(body, &resp)
	return resp, nil
}

func (c *Client) postMessage(ctx context.Context, t Target, call string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, t, call, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.SendURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	return err
}

type markdownMessage struct {
	MsgType  string `json:"msgtype"`
	Markdown struct {
		Content string `json:"content"`
	} `json:"markdown"`
}

type textMessage struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

type imageMessage struct {
	MsgType string    `json:"msgtype"`
	Image   Reference `json:"image"`
}

// SendMarkdown posts a markdown message.
func (c *Client) SendMarkdown(ctx context.Context, t Target, content string) error {
	m := markdownMessage{MsgType: "markdown"}
	m.Markdown.Content = content
	return c.postMessage(ctx, t, "markdown", m)
}

// SendText posts a plain text message.
func (c *Client) SendText(ctx context.Context, t Target, content string) error {
	m := textMessage{MsgType: "text"}
	m.Text.Content = content
	return c.postMessage(ctx, t, "text", m)
}

func (c *Client) sendImage(ctx context.Context, t Target, ref Reference) error {
	return c.postMessage(ctx, t, "image", imageMessage{MsgType: "image", Image: ref})
}
