// Package resilience collects the fault-handling primitives shared across
// adapters, the materializer, the sync pipelines, and the outbox worker:
// a single error-kind enumeration, a circuit breaker, and a token-bucket
// rate limiter.
package resilience

// ErrorKind is the single enumeration every adapter, the materializer,
// the sync pipelines, and the outbox worker translate their failures
// into. Stringify only at serialization boundaries (audit rows, JSON
// responses); never branch on the raw string elsewhere.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindRateLimited      ErrorKind = "rate_limited"
	KindAuthError        ErrorKind = "auth_error"
	KindHTTPError        ErrorKind = "http_error"
	KindNetworkError     ErrorKind = "network_error"
	KindContentTooLarge  ErrorKind = "content_too_large"
	KindValidationError  ErrorKind = "validation_error"
	KindCommandError     ErrorKind = "command_error"
	KindParseError       ErrorKind = "parse_error"
	KindDependencyMissing ErrorKind = "dependency_missing"
	KindStorageCollision ErrorKind = "storage_collision"
	KindUnknown          ErrorKind = "unknown"
)

// Unrecoverable reports whether a sync pipeline must stop cursor
// advancement at the last successful event for this kind, per the
// unrecoverable-error set: rate_limited, timeout, server_error (modeled
// here as http_error for 5xx), network_error from the GitLab adapter, and
// timeout/auth_error from the SVN adapter.
func (k ErrorKind) Unrecoverable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindHTTPError, KindNetworkError, KindAuthError:
		return true
	default:
		return false
	}
}

// Classified is the uniform tagged result every adapter boundary returns
// instead of throwing — never an error value, always a result the caller
// inspects.
type Classified struct {
	Success      bool
	Kind         ErrorKind
	Message      string
	Retryable    bool
	RetryAfterMS int64
}

// Result is the user-visible failure envelope: {ok, error_code, message,
// suggestion?, retryable}.
type Result struct {
	OK         bool      `json:"ok"`
	ErrorCode  ErrorKind `json:"error_code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
	Retryable  bool      `json:"retryable"`
}

func Fail(kind ErrorKind, message, suggestion string, retryable bool) Result {
	return Result{OK: false, ErrorCode: kind, Message: message, Suggestion: suggestion, Retryable: retryable}
}
