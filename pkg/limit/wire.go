package limit

// Request bodies and envelopes of the HTTP procedure surface.

type LimitRequest struct {
	Name string `json:"name"`
	Args
}

type ValueRequest struct {
	Name string `json:"name"`
	ValueArgs
}

type ResetRequest struct {
	Name string `json:"name"`
	Key  string `json:"key,omitempty"`
}

type ClearRequest struct {
	// Before is a creation time cutoff in ms; absent means now.
	Before *int64 `json:"before,omitempty"`
}

type TimeResponse struct {
	Now float64 `json:"now"` // ms since epoch
}

// Error codes carried in ErrorBody.Code.
const (
	CodeBadRequest      = "bad_request"
	CodeConfigNotFound  = "config_not_found"
	CodeInvalidConfig   = "invalid_config"
	CodeInvalidArgument = "invalid_argument"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

type ErrorBody struct {
	Code       string  `json:"code"`
	Message    string  `json:"message"`
	Name       string  `json:"name,omitempty"`
	RetryAfter float64 `json:"retryAfter,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
