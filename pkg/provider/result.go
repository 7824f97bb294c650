package provider

import "time"

type Status string

const (
	StatusSuccess        Status = "SUCCESS"
	StatusTransientError Status = "TRANSIENT_ERROR"
	StatusPermanentError Status = "PERMANENT_ERROR"
	StatusUnauthorized   Status = "UNAUTHORIZED"
	StatusNotFound       Status = "NOT_FOUND"
)

// OperationResult is the uniform outcome of every provider call. Anticipated
// failures travel inside the result; a non-nil error from a provider method
// is reserved for genuinely unexpected conditions.
type OperationResult struct {
	Status     Status        `json:"status"`
	Message    string        `json:"message"`
	Data       any           `json:"data,omitempty"`
	ErrorCode  string        `json:"errorCode,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

func (r *OperationResult) IsSuccess() bool {
	return r != nil && r.Status == StatusSuccess
}

// Retryable reports whether the outcome is eligible for automatic retry.
// Only transient errors qualify.
func (r *OperationResult) Retryable() bool {
	return r != nil && r.Status == StatusTransientError
}

func Success(message string, data any) *OperationResult {
	return &OperationResult{Status: StatusSuccess, Message: message, Data: data}
}

func Transient(message, code string) *OperationResult {
	return &OperationResult{Status: StatusTransientError, Message: message, ErrorCode: code}
}

func RateLimited(message string, retryAfter time.Duration) *OperationResult {
	return &OperationResult{
		Status:     StatusTransientError,
		Message:    message,
		ErrorCode:  "rate_limited",
		RetryAfter: retryAfter,
	}
}

func Permanent(message, code string) *OperationResult {
	return &OperationResult{Status: StatusPermanentError, Message: message, ErrorCode: code}
}

func Unauthorized(message string) *OperationResult {
	return &OperationResult{Status: StatusUnauthorized, Message: message, ErrorCode: "unauthorized"}
}

func NotFound(message string) *OperationResult {
	return &OperationResult{Status: StatusNotFound, Message: message, ErrorCode: "not_found"}
}
