package ec2

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/coachpo/spotpoller/errs"
)

var throttleCodes = map[string]struct{}{
	"RequestLimitExceeded": {},
	"Throttling":           {},
	"ThrottlingException":  {},
}

var unavailableCodes = map[string]struct{}{
	"InternalError":      {},
	"InternalFailure":    {},
	"ServiceUnavailable": {},
	"Unavailable":        {},
}

// classifyError maps SDK failures onto errs codes, keeping the EC2 error code as RawCode.
func classifyError(region, op string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	raw := apiErr.ErrorCode()
	code := errs.CodeProviderCall
	switch {
	case has(throttleCodes, raw):
		code = errs.CodeRateLimited
	case has(unavailableCodes, raw):
		code = errs.CodeUnavailable
	case strings.HasSuffix(raw, ".NotFound") || strings.HasSuffix(raw, ".Malformed"):
		code = errs.CodeNotFound
	}
	return errs.New("ec2", code,
		errs.WithRegion(region),
		errs.WithOp(op),
		errs.WithRawCode(raw),
		errs.WithMessage(apiErr.ErrorMessage()),
		errs.WithCause(err),
	)
}

// retryable reports whether another attempt could succeed. Transport errors without an
// API code are retried; API errors only when throttled or the service is unavailable.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errs.HasCode(err, errs.CodeRateLimited) || errs.HasCode(err, errs.CodeUnavailable) {
		return true
	}
	var e *errs.E
	return !errors.As(err, &e)
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}
