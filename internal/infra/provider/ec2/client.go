// Package ec2 implements the provider client on top of the AWS EC2 spot request APIs.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/spotpoller/internal/domain/schema"
	"github.com/coachpo/spotpoller/internal/infra/provider"
	"github.com/coachpo/spotpoller/internal/observability"
)

// API is the subset of the EC2 client used for spot request reconciliation.
type API interface {
	DescribeSpotInstanceRequests(ctx context.Context, params *awsec2.DescribeSpotInstanceRequestsInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeSpotInstanceRequestsOutput, error)
	CancelSpotInstanceRequests(ctx context.Context, params *awsec2.CancelSpotInstanceRequestsInput, optFns ...func(*awsec2.Options)) (*awsec2.CancelSpotInstanceRequestsOutput, error)
}

// APIFactory builds the EC2 API client for one region.
type APIFactory func(ctx context.Context, region string) (API, error)

// Options tune retries and throttling applied to every region.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries        int
	RequestsPerSecond float64
	Burst             int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	// Endpoint overrides the EC2 endpoint, e.g. for LocalStack.
	Endpoint string
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 10
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 20 * time.Second
	}
	o.Endpoint = strings.TrimSpace(o.Endpoint)
	return o
}

// Option customises a Client.
type Option func(*Client)

// WithAPIFactory replaces the AWS SDK client construction.
func WithAPIFactory(factory APIFactory) Option {
	return func(c *Client) {
		if factory != nil {
			c.factory = factory
		}
	}
}

// WithLogger sets the logger used for retry notices.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = observability.OrNop(logger)
	}
}

// WithMeter sets the meter used for provider call instruments.
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) {
		if meter != nil {
			c.meter = meter
		}
	}
}

// Client is a provider.Client backed by one EC2 API client and rate limiter per region.
type Client struct {
	opts    Options
	factory APIFactory
	logger  observability.Logger
	meter   metric.Meter
	metrics *callMetrics

	mu      sync.Mutex
	regions map[string]*regionClient
}

type regionClient struct {
	api     API
	limiter *rate.Limiter
}

var _ provider.Client = (*Client)(nil)

// New constructs a Client. Regional SDK clients are created on first use.
func New(opts Options, options ...Option) (*Client, error) {
	opts = opts.withDefaults()
	c := &Client{
		opts:    opts,
		factory: sdkFactory(opts.Endpoint),
		logger:  observability.Nop(),
		meter:   otel.Meter("spotpoller.provider.ec2"),
		regions: make(map[string]*regionClient),
	}
	for _, opt := range options {
		if opt != nil {
			opt(c)
		}
	}
	m, err := newCallMetrics(c.meter)
	if err != nil {
		return nil, err
	}
	c.metrics = m
	return c, nil
}

func sdkFactory(endpoint string) APIFactory {
	return func(ctx context.Context, region string) (API, error) {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("load aws config for %s: %w", region, err)
		}
		return awsec2.NewFromConfig(cfg, func(o *awsec2.Options) {
			// Retries are driven by Client so they share the regional limiter.
			o.Retryer = aws.NopRetryer{}
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}), nil
	}
}

func (c *Client) region(ctx context.Context, region string) (*regionClient, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		return nil, fmt.Errorf("ec2: region required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok := c.regions[region]; ok {
		return rc, nil
	}
	api, err := c.factory(ctx, region)
	if err != nil {
		return nil, err
	}
	rc := &regionClient{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(c.opts.RequestsPerSecond), c.opts.Burst),
	}
	c.regions[region] = rc
	return rc, nil
}

// DescribeRequests reports the state of ids in region.
func (c *Client) DescribeRequests(ctx context.Context, region string, ids []string) ([]schema.Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rc, err := c.region(ctx, region)
	if err != nil {
		return nil, err
	}
	input := &awsec2.DescribeSpotInstanceRequestsInput{SpotInstanceRequestIds: ids}
	out, err := retry(ctx, c, rc, region, provider.OpDescribe, func(ctx context.Context) (*awsec2.DescribeSpotInstanceRequestsOutput, error) {
		return rc.api.DescribeSpotInstanceRequests(ctx, input)
	})
	if err != nil {
		return nil, err
	}
	observations := make([]schema.Observation, 0, len(out.SpotInstanceRequests))
	for _, req := range out.SpotInstanceRequests {
		observations = append(observations, toObservation(req))
	}
	return observations, nil
}

// CancelRequests cancels ids in region and returns the ids EC2 acknowledged.
func (c *Client) CancelRequests(ctx context.Context, region string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rc, err := c.region(ctx, region)
	if err != nil {
		return nil, err
	}
	input := &awsec2.CancelSpotInstanceRequestsInput{SpotInstanceRequestIds: ids}
	out, err := retry(ctx, c, rc, region, provider.OpCancel, func(ctx context.Context) (*awsec2.CancelSpotInstanceRequestsOutput, error) {
		return rc.api.CancelSpotInstanceRequests(ctx, input)
	})
	if err != nil {
		return nil, err
	}
	cancelled := make([]string, 0, len(out.CancelledSpotInstanceRequests))
	for _, item := range out.CancelledSpotInstanceRequests {
		if id := aws.ToString(item.SpotInstanceRequestId); id != "" {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled, nil
}

func toObservation(req ec2types.SpotInstanceRequest) schema.Observation {
	obs := schema.Observation{
		ID:    aws.ToString(req.SpotInstanceRequestId),
		State: string(req.State),
	}
	if req.Status != nil {
		obs.StatusCode = aws.ToString(req.Status.Code)
	}
	return obs
}

func retry[T any](ctx context.Context, c *Client, rc *regionClient, region, op string, call func(context.Context) (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialInterval
	policy.MaxInterval = c.opts.MaxInterval

	start := time.Now()
	out, err := backoff.Retry(ctx, func() (T, error) {
		var zero T
		if err := rc.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		res, err := call(ctx)
		if err == nil {
			return res, nil
		}
		wrapped := classifyError(region, op, err)
		if !retryable(ctx, wrapped) {
			return zero, backoff.Permanent(wrapped)
		}
		return zero, wrapped
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("ec2 call failed, retrying",
				observability.F("region", region),
				observability.F("op", op),
				observability.F("wait", wait),
				observability.F("error", err))
		}),
	)
	c.metrics.record(ctx, region, op, time.Since(start), err)
	if err != nil {
		var zero T
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		return zero, fmt.Errorf("ec2 %s %s: %w", op, region, err)
	}
	return out, nil
}
