package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// InvalidArgumentError reports input rejected locally, before any request is
// made. Never retried.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return "invalid argument: " + e.Reason
}

// TimeoutError reports a bounded wait that elapsed without a result.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("marketplace %s: timed out", e.Op)
}

// Error is the typed failure of a marketplace call. Status is the upstream
// HTTP status (0 for transport errors), Body a trimmed copy of the upstream
// response used for classification and operator logs only. It must never
// reach a user-visible string.
type Error struct {
	Op       string
	Status   int
	DSeq     string
	Provider string
	Body     string
	Err      error
}

func (e *Error) Error() string {
	msg := "marketplace " + e.Op
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// MalformedError reports a 2xx response missing required fields. Retryable
// up to the operation's attempt ceiling.
type MalformedError struct {
	Op     string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("marketplace %s: malformed response: %s", e.Op, e.Reason)
}

// AllProvidersFailedError is the terminal composite error of the failover
// loop: every usable bid was attempted and none produced a lease.
type AllProvidersFailedError struct {
	FailedProviders []string
	LastErr         error
}

func (e *AllProvidersFailedError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("all providers failed (%d attempted)", len(e.FailedProviders))
	}
	return fmt.Sprintf("all providers failed (%d attempted): last error: %v", len(e.FailedProviders), e.LastErr)
}

func (e *AllProvidersFailedError) Unwrap() error { return e.LastErr }

// retryableStatus lists the upstream statuses that go through backoff.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsRetryable classifies an error for the exponential-backoff wrappers:
// 429/503/504, transport-level failures, timeouts and malformed 2xx bodies
// retry; everything else is final for the current call.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var me *Error
	if errors.As(err, &me) {
		if me.Status == 0 {
			return true // transport error, never reached the upstream
		}
		return retryableStatus(me.Status)
	}
	var mal *MalformedError
	if errors.As(err, &mal) {
		return true
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// providerUnavailableSignatures are upstream error texts that indicate the
// individual provider is the problem rather than the marketplace.
var providerUnavailableSignatures = []string{
	"provider not reachable",
	"provider unreachable",
	"provider rejected",
	"connection refused",
	"no route to host",
	"could not connect to provider",
	"remote server returned",
}

// IsProviderUnavailable reports whether a lease failure should skip to the
// next bid instead of failing the whole deployment.
func IsProviderUnavailable(err error) bool {
	var me *Error
	if !errors.As(err, &me) || me.Provider == "" {
		return false
	}
	if me.Status == http.StatusBadGateway {
		return true
	}
	body := strings.ToLower(me.Body)
	for _, sig := range providerUnavailableSignatures {
		if strings.Contains(body, sig) {
			return true
		}
	}
	if me.Err != nil {
		msg := strings.ToLower(me.Err.Error())
		for _, sig := range providerUnavailableSignatures {
			if strings.Contains(msg, sig) {
				return true
			}
		}
	}
	return false
}

// DSeqOf extracts the marketplace deployment id carried by an error chain,
// so a failed attempt can surface the dseq it created for later cleanup.
func DSeqOf(err error) string {
	var me *Error
	if errors.As(err, &me) {
		return me.DSeq
	}
	return ""
}
