// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Proxy pool errors
	ErrPoolExhausted   = errors.New("proxy pool exhausted: no healthy proxies available")
	ErrPoolClosed      = errors.New("proxy pool is closed")
	ErrProxyBurned     = errors.New("proxy is burned")
	ErrNoProxyMatching = errors.New("no proxy matches the given requirements")

	// Circuit breaker errors
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// Robots errors
	ErrRobotsDisallowed = errors.New("request disallowed by robots.txt")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session has expired")

	// Challenge solver errors
	ErrSolverUnavailable = errors.New("challenge solver is unavailable")
	ErrSolverFailed      = errors.New("challenge solver could not solve the page")
	ErrBypassBudget      = errors.New("per-domain bypass attempt budget exceeded")

	// CAPTCHA solver errors
	ErrCaptchaTimeout     = errors.New("captcha solver timed out")
	ErrCaptchaRejected    = errors.New("captcha task was rejected")
	ErrCaptchaBalance     = errors.New("insufficient captcha solver balance")
	ErrCaptchaNotDetected = errors.New("no captcha detected in response body")
	ErrDailyBudget        = errors.New("daily captcha spend limit reached")

	// Export errors
	ErrLockHeld     = errors.New("export lock held by another process")
	ErrWriterClosed = errors.New("partial writer is closed")

	// Premium provider errors
	ErrProviderAuth   = errors.New("proxy provider rejected credentials")
	ErrBudgetExceeded = errors.New("monthly proxy budget exceeded")

	// Request errors
	ErrNotFound        = errors.New("resource not found (404)")
	ErrContextCanceled = errors.New("operation canceled")
)

// Kind classifies a request failure for retry and escalation decisions.
// The taxonomy is stable: backoff strategy selection, proxy burning and
// circuit breakers all key off these values.
type Kind string

const (
	KindTimeout        Kind = "timeout"
	KindNetwork        Kind = "network"
	KindProxyError     Kind = "proxy_error"
	KindRateLimit      Kind = "rate_limit"
	KindHTTP4xx        Kind = "http_4xx"
	KindHTTP5xx        Kind = "http_5xx"
	KindBlocked        Kind = "blocked"
	KindCaptcha        Kind = "captcha"
	KindSilentBlock    Kind = "silent_block"
	KindAuthentication Kind = "authentication"
	KindNotFound       Kind = "not_found"
	KindUnknown        Kind = "unknown"
)

// Terminal reports whether failures of this kind should never be retried.
func (k Kind) Terminal() bool {
	switch k {
	case KindAuthentication, KindNotFound:
		return true
	}
	return false
}

// BurnsProxy reports whether a failure of this kind indicates the proxy
// identity itself has been flagged by the target and must be replaced.
func (k Kind) BurnsProxy() bool {
	switch k {
	case KindBlocked, KindCaptcha, KindAuthentication:
		return true
	}
	return false
}

// FetchError provides detailed information about an acquisition failure.
// It implements the error interface and supports error unwrapping.
type FetchError struct {
	Kind       Kind   // Failure classification from the taxonomy
	URL        string // The URL where the error occurred
	StatusCode int    // HTTP status, 0 if the request never completed
	Message    string // Human-readable error message
	Err        error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError creates a classified acquisition error.
func NewFetchError(kind Kind, url string, status int, msg string, err error) *FetchError {
	return &FetchError{Kind: kind, URL: url, StatusCode: status, Message: msg, Err: err}
}

// NewNotFoundError creates the terminal 404 error for a URL. 404 is the
// single terminal channel: it never enters the http_4xx retry path.
func NewNotFoundError(url string) *FetchError {
	return &FetchError{
		Kind:       KindNotFound,
		URL:        url,
		StatusCode: 404,
		Message:    "Resource not found (404). The target page does not exist.",
		Err:        ErrNotFound,
	}
}

// ClassifyKind extracts the failure kind from an error, defaulting to unknown.
func ClassifyKind(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// CaptchaError provides detailed information about CAPTCHA solving failures.
type CaptchaError struct {
	Provider string // Provider name, e.g. "2captcha"
	TaskID   string // Task ID from the provider (for debugging)
	Code     string // Error code from the provider
	Message  string // Human-readable error message
	Err      error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *CaptchaError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CaptchaError) Unwrap() error {
	return e.Err
}

// NewCaptchaTimeoutError creates an error for CAPTCHA solve timeout.
func NewCaptchaTimeoutError(provider, taskID string) *CaptchaError {
	return &CaptchaError{
		Provider: provider,
		TaskID:   taskID,
		Code:     "timeout",
		Message:  "CAPTCHA solving timed out waiting for solution from " + provider,
		Err:      ErrCaptchaTimeout,
	}
}

// NewCaptchaRejectedError creates an error when a CAPTCHA task is rejected.
func NewCaptchaRejectedError(provider, code, reason string) *CaptchaError {
	return &CaptchaError{
		Provider: provider,
		Code:     code,
		Message:  "CAPTCHA task rejected by " + provider + ": " + reason,
		Err:      ErrCaptchaRejected,
	}
}

// NewCaptchaBalanceError creates an error for insufficient balance.
func NewCaptchaBalanceError(provider string) *CaptchaError {
	return &CaptchaError{
		Provider: provider,
		Code:     "insufficient_balance",
		Message:  "Insufficient balance in " + provider + " account",
		Err:      ErrCaptchaBalance,
	}
}

// ProviderError wraps a premium proxy provider API failure.
type ProviderError struct {
	Endpoint string // Provider endpoint that failed
	Code     string // Provider error code, if any
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}
