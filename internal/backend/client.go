package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/access"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

const (
	syncBatchPath      = "/sync/batch"
	contextRefreshPath = "/context/refresh"
)

// ClientOptions configures the HTTP client
type ClientOptions struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RetryMax  int
	RetryWait time.Duration
	// RateLimit caps requests per second; zero is unlimited
	RateLimit float64
	Logger    *zap.Logger
}

// Client talks to the annotation backend over HTTP
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	logger  *zap.Logger
}

// NewClient creates a backend client. Transport retries come from
// go-retryablehttp; resty's own retry is left off so a request is never
// retried twice over.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = opts.RetryWait
	retryClient.RetryWaitMax = 8 * opts.RetryWait
	retryClient.Logger = nil

	restyClient := resty.New()
	restyClient.
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", "AnnotationBridge/1.0").
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(sonic.ConfigStd.Marshal).
		SetJSONUnmarshaler(sonic.ConfigStd.Unmarshal).
		SetTransport(&retryablehttp.RoundTripper{Client: retryClient})
	if opts.Token != "" {
		restyClient.SetAuthToken(opts.Token)
	}
	restyClient.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		tracing.Inject(r.Context(), r.Header)
		return nil
	})

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), int(opts.RateLimit)+1)
	}

	return &Client{
		resty:   restyClient,
		limiter: limiter,
		breaker: resilience.New("backend", resilience.Settings{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			IsFailure:        fault.Retryable,
		}),
		logger: opts.Logger,
	}
}

// SyncBatch implements syncer.Transport
func (c *Client) SyncBatch(ctx context.Context, items []types.SyncItem) ([]types.SyncResult, error) {
	var out types.BatchResponse
	err := c.post(ctx, syncBatchPath, types.BatchRequest{Operations: items}, &out)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

// RefreshContext implements access.Refresher
func (c *Client) RefreshContext(ctx context.Context, current access.AnnotationContext) (*access.AnnotationContext, error) {
	var out access.AnnotationContext
	if err := c.post(ctx, contextRefreshPath, current, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BreakerState exposes the client's circuit state for health reporting
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	op := "backend.post " + path

	if err := c.limiter.Wait(ctx); err != nil {
		return fault.Wrap(fault.KindNetwork, op, fmt.Errorf("rate limit error: %w", err))
	}

	start := time.Now()
	err := c.breaker.Do(func() error {
		resp, err := c.resty.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(result).
			Post(path)
		if err != nil {
			return fault.Wrap(fault.KindNetwork, op, err)
		}
		return classify(op, resp)
	})
	if err != nil && fault.KindOf(err) == "" {
		// breaker rejected the call
		err = fault.Wrap(fault.KindNetwork, op, err)
	}

	c.logger.Debug("Backend request",
		zap.String("path", path),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return err
}

// classify maps an HTTP status onto the error taxonomy
func classify(op string, resp *resty.Response) error {
	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}

	msg := fmt.Sprintf("%s: %s", resp.Status(), truncate(resp.String(), 200))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.KindPermission, op, msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fault.New(fault.KindValidation, op, msg)
	case status == http.StatusConflict:
		return fault.New(fault.KindConflict, op, msg)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return fault.New(fault.KindNetwork, op, msg)
	default:
		return fault.New(fault.KindRemote, op, msg)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
