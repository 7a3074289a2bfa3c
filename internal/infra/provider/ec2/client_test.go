package ec2

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coachpo/spotpoller/errs"
	"github.com/coachpo/spotpoller/internal/domain/schema"
	"github.com/coachpo/spotpoller/internal/telemetry"
)

type fakeAPI struct {
	mu          sync.Mutex
	describe    []error
	cancel      []error
	requests    []ec2types.SpotInstanceRequest
	cancelled   []ec2types.CancelledSpotInstanceRequest
	describeIDs [][]string
	cancelIDs   [][]string
}

func (f *fakeAPI) DescribeSpotInstanceRequests(_ context.Context, in *awsec2.DescribeSpotInstanceRequestsInput, _ ...func(*awsec2.Options)) (*awsec2.DescribeSpotInstanceRequestsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeIDs = append(f.describeIDs, in.SpotInstanceRequestIds)
	if len(f.describe) > 0 {
		err := f.describe[0]
		f.describe = f.describe[1:]
		if err != nil {
			return nil, err
		}
	}
	return &awsec2.DescribeSpotInstanceRequestsOutput{SpotInstanceRequests: f.requests}, nil
}

func (f *fakeAPI) CancelSpotInstanceRequests(_ context.Context, in *awsec2.CancelSpotInstanceRequestsInput, _ ...func(*awsec2.Options)) (*awsec2.CancelSpotInstanceRequestsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelIDs = append(f.cancelIDs, in.SpotInstanceRequestIds)
	if len(f.cancel) > 0 {
		err := f.cancel[0]
		f.cancel = f.cancel[1:]
		if err != nil {
			return nil, err
		}
	}
	return &awsec2.CancelSpotInstanceRequestsOutput{CancelledSpotInstanceRequests: f.cancelled}, nil
}

func newTestClient(t *testing.T, api *fakeAPI, opts ...Option) (*Client, *int) {
	t.Helper()
	factoryCalls := 0
	options := append([]Option{WithAPIFactory(func(context.Context, string) (API, error) {
		factoryCalls++
		return api, nil
	})}, opts...)
	c, err := New(Options{
		MaxRetries:        2,
		RequestsPerSecond: 1000,
		Burst:             100,
		InitialInterval:   time.Millisecond,
		MaxInterval:       2 * time.Millisecond,
	}, options...)
	require.NoError(t, err)
	return c, &factoryCalls
}

func TestDescribeMapsObservations(t *testing.T) {
	api := &fakeAPI{requests: []ec2types.SpotInstanceRequest{
		{
			SpotInstanceRequestId: aws.String("sir-1"),
			State:                 ec2types.SpotInstanceStateOpen,
			Status:                &ec2types.SpotInstanceStatus{Code: aws.String(schema.StatusPendingFulfillment)},
		},
		{
			SpotInstanceRequestId: aws.String("sir-2"),
			State:                 ec2types.SpotInstanceStateCancelled,
		},
	}}
	c, _ := newTestClient(t, api)

	got, err := c.DescribeRequests(context.Background(), "us-east-1", []string{"sir-1", "sir-2"})
	require.NoError(t, err)
	assert.Equal(t, []schema.Observation{
		{ID: "sir-1", State: schema.StateOpen, StatusCode: schema.StatusPendingFulfillment},
		{ID: "sir-2", State: schema.StateCancelled, StatusCode: ""},
	}, got)
	assert.Equal(t, [][]string{{"sir-1", "sir-2"}}, api.describeIDs)
}

func TestEmptyIDsSkipProvider(t *testing.T) {
	api := &fakeAPI{}
	c, factoryCalls := newTestClient(t, api)

	obs, err := c.DescribeRequests(context.Background(), "us-east-1", nil)
	require.NoError(t, err)
	assert.Empty(t, obs)
	ids, err := c.CancelRequests(context.Background(), "us-east-1", []string{})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Zero(t, *factoryCalls)
}

func TestThrottledCallsAreRetried(t *testing.T) {
	throttle := &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}
	api := &fakeAPI{
		describe: []error{throttle, throttle},
		requests: []ec2types.SpotInstanceRequest{{SpotInstanceRequestId: aws.String("sir-1"), State: ec2types.SpotInstanceStateActive}},
	}
	c, _ := newTestClient(t, api)

	got, err := c.DescribeRequests(context.Background(), "us-east-1", []string{"sir-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, api.describeIDs, 3)
}

func TestRetriesExhausted(t *testing.T) {
	unavailable := &smithy.GenericAPIError{Code: "Unavailable", Message: "try later"}
	api := &fakeAPI{describe: []error{unavailable, unavailable, unavailable, unavailable}}
	c, _ := newTestClient(t, api)

	_, err := c.DescribeRequests(context.Background(), "eu-west-1", []string{"sir-1"})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeUnavailable))
	assert.Len(t, api.describeIDs, 3)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	api := &fakeAPI{cancel: []error{&smithy.GenericAPIError{Code: "InvalidSpotInstanceRequestID.NotFound", Message: "unknown id"}}}
	c, _ := newTestClient(t, api)

	_, err := c.CancelRequests(context.Background(), "us-west-2", []string{"sir-x"})
	require.Error(t, err)
	assert.Len(t, api.cancelIDs, 1)
	assert.True(t, errs.HasCode(err, errs.CodeNotFound))

	var env *errs.E
	require.True(t, errors.As(err, &env))
	assert.Equal(t, "InvalidSpotInstanceRequestID.NotFound", env.RawCode)
	assert.Equal(t, "us-west-2", env.Region)
	assert.Equal(t, "cancel", env.Op)
}

func TestCancelReturnsConfirmedIDs(t *testing.T) {
	api := &fakeAPI{cancelled: []ec2types.CancelledSpotInstanceRequest{
		{SpotInstanceRequestId: aws.String("sir-1"), State: ec2types.CancelSpotInstanceRequestStateCancelled},
		{SpotInstanceRequestId: nil},
	}}
	c, _ := newTestClient(t, api)

	got, err := c.CancelRequests(context.Background(), "us-east-1", []string{"sir-1", "sir-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sir-1"}, got)
}

func TestRegionClientsAreCached(t *testing.T) {
	api := &fakeAPI{}
	c, factoryCalls := newTestClient(t, api)
	ctx := context.Background()

	for range 3 {
		_, err := c.DescribeRequests(ctx, "us-east-1", []string{"sir-1"})
		require.NoError(t, err)
	}
	_, err := c.DescribeRequests(ctx, "eu-west-1", []string{"sir-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, *factoryCalls)

	_, err = c.DescribeRequests(ctx, " ", []string{"sir-1"})
	require.Error(t, err)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.DescribeRequests(ctx, "us-east-1", []string{"sir-1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, api.describeIDs)
}

func TestCallMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	api := &fakeAPI{describe: []error{&smithy.GenericAPIError{Code: "AuthFailure"}}}
	c, _ := newTestClient(t, api, WithMeter(mp.Meter("test")))
	ctx := context.Background()

	_, err := c.DescribeRequests(ctx, "us-east-1", []string{"sir-1"})
	require.Error(t, err)
	_, err = c.DescribeRequests(ctx, "us-east-1", []string{"sir-1"})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	results := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != telemetry.MetricProviderCalls {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(telemetry.AttrResult)
				results[v.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{telemetry.ResultSuccess: 1, telemetry.ResultError: 1}, results)
}
