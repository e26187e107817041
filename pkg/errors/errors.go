package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch or crawl failure. Status-level kinds are terminal
// for a fetch and are never retried across proxies; connection-level failures
// are absorbed by the dispatcher's proxy fallback.
type Kind string

const (
	// KindUnauthorized means the remote rejected the supplied credentials (401)
	KindUnauthorized Kind = "unauthorized"
	// KindNotFound means no document exists for the requested resource (404)
	KindNotFound Kind = "not_found"
	// KindNotModified means the conditional request matched (304)
	KindNotModified Kind = "not_modified"
	// KindUnexpectedStatus covers every other non-200 status
	KindUnexpectedStatus Kind = "unexpected_status"
	// KindConnectionFailure means the transport failed before a status arrived
	KindConnectionFailure Kind = "connection_failure"
	// KindPoolExhausted means every proxy candidate failed at the connection layer
	KindPoolExhausted Kind = "proxy_pool_exhausted"
	// KindRevisionCollision means a revision write clashed with different content
	KindRevisionCollision Kind = "revision_collision"
	// KindDiscoveryRateLimited means the proxy list service throttled us
	KindDiscoveryRateLimited Kind = "discovery_rate_limited"
	// KindDiscoveryDailyLimit means the proxy list service quota is spent for today
	KindDiscoveryDailyLimit Kind = "discovery_daily_limit"
	// KindParse means a fetched document could not be interpreted
	KindParse Kind = "parse"
	// KindConfiguration means the worker configuration is invalid
	KindConfiguration Kind = "configuration"
)

// ConnectionFailureKind enumerates transport-level failure modes. The
// dispatcher produces these explicitly instead of matching on library
// error shapes.
type ConnectionFailureKind string

const (
	ConnTimeout      ConnectionFailureKind = "timeout"
	ConnProxyConnect ConnectionFailureKind = "proxy_connect"
	ConnTLS          ConnectionFailureKind = "tls"
	ConnReset        ConnectionFailureKind = "reset"
	ConnOther        ConnectionFailureKind = "other"
)

// FetchError is the error type produced by the dispatcher and propagated
// through the crawler.
type FetchError struct {
	Kind       Kind
	StatusCode int
	ConnKind   ConnectionFailureKind
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindConnectionFailure:
		if e.Err != nil {
			return fmt.Sprintf("[%s/%s] %s: %v", e.Kind, e.ConnKind, e.Message, e.Err)
		}
		return fmt.Sprintf("[%s/%s] %s", e.Kind, e.ConnKind, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("[%s] %s (status %d)", e.Kind, e.Message, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying error
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is makes sentinel comparison work for kind-only sentinels
func (e *FetchError) Is(target error) bool {
	var fe *FetchError
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// IsTerminal reports whether the error ends a fetch without trying further
// proxy candidates. Connection failures are the only recoverable kind.
func (e *FetchError) IsTerminal() bool {
	return e.Kind != KindConnectionFailure
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthorized        = &FetchError{Kind: KindUnauthorized, Message: "invalid credentials"}
	ErrNotFound            = &FetchError{Kind: KindNotFound, Message: "document not found"}
	ErrNotModified         = &FetchError{Kind: KindNotModified, Message: "document not modified"}
	ErrPoolExhausted       = &FetchError{Kind: KindPoolExhausted, Message: "no more proxies available"}
	ErrRevisionCollision   = &FetchError{Kind: KindRevisionCollision, Message: "revision timestamp already stored with different content"}
	ErrDiscoveryRateLimit  = &FetchError{Kind: KindDiscoveryRateLimited, Message: "proxy discovery rate limit reached"}
	ErrDiscoveryDailyLimit = &FetchError{Kind: KindDiscoveryDailyLimit, Message: "proxy discovery daily limit reached"}
)

// NewUnauthorized creates an unauthorized error for the given URL
func NewUnauthorized(url string) *FetchError {
	return &FetchError{Kind: KindUnauthorized, StatusCode: 401, Message: fmt.Sprintf("invalid credentials for %s", url)}
}

// NewNotFound creates a not-found error for the given URL
func NewNotFound(url string) *FetchError {
	return &FetchError{Kind: KindNotFound, StatusCode: 404, Message: fmt.Sprintf("no document at %s", url)}
}

// NewNotModified creates a not-modified error for the given URL
func NewNotModified(url string) *FetchError {
	return &FetchError{Kind: KindNotModified, StatusCode: 304, Message: fmt.Sprintf("%s not modified", url)}
}

// NewUnexpectedStatus creates an error for a status outside the known set
func NewUnexpectedStatus(url string, code int) *FetchError {
	return &FetchError{Kind: KindUnexpectedStatus, StatusCode: code, Message: fmt.Sprintf("unexpected status for %s", url)}
}

// NewConnectionFailure creates a recoverable transport error
func NewConnectionFailure(kind ConnectionFailureKind, message string, err error) *FetchError {
	return &FetchError{Kind: KindConnectionFailure, ConnKind: kind, Message: message, Err: err}
}

// NewRevisionCollision creates a data-integrity error for a clashing revision write
func NewRevisionCollision(date string, timestamp int64) *FetchError {
	return &FetchError{
		Kind:    KindRevisionCollision,
		Message: fmt.Sprintf("revision %s/%d already stored with different content", date, timestamp),
	}
}

// NewParse creates an interpreter error
func NewParse(message string, err error) *FetchError {
	return &FetchError{Kind: KindParse, Message: message, Err: err}
}

// NewConfiguration creates a configuration error
func NewConfiguration(message string) *FetchError {
	return &FetchError{Kind: KindConfiguration, Message: message}
}

// IsConnectionFailure reports whether err is a transport-level failure
func IsConnectionFailure(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindConnectionFailure
}

// AsStatus extracts the HTTP status carried by err, if any
func AsStatus(err error) (int, bool) {
	var fe *FetchError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		return fe.StatusCode, true
	}
	return 0, false
}
