package schema

import "github.com/coachpo/spotpoller/errs"

var (
	errKeyRegion = errs.New("schema/key", errs.CodeInvalid, errs.WithMessage("region required"))
	errKeyID     = errs.New("schema/key", errs.CodeInvalid, errs.WithMessage("spot request id required"))
)
