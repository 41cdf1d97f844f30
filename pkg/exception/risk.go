package exception

import "github.com/yanun0323/errors"

var (
	ErrRiskInvalidLimits    = errors.New("risk: invalid limits")
	ErrRiskUnknownSizer     = errors.New("risk: unknown sizer")
	ErrRiskSizingFailed     = errors.New("risk: sizing failed")
	ErrRiskInsufficientData = errors.New("risk: insufficient data")
)
