// Package quota classifies upstream model-provider failures into a small
// taxonomy: terminal quota exhaustion (give up), retryable rate limiting
// (back off and try again), or neither (pass the error through). It also
// provides the backoff loop that consumes the classification.
package quota

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	// defaultRetryDelayMs applies when the provider flags rate limiting
	// without suggesting a delay.
	defaultRetryDelayMs = 10_000

	// perMinuteDelayMs applies to a per-minute quota violation carrying no
	// explicit delay: the window resets within a minute.
	perMinuteDelayMs = 60_000

	// terminalDelayThresholdMs is the longest suggested delay still worth
	// waiting out in-session. Anything above it is treated as exhaustion.
	terminalDelayThresholdMs = 120_000
)

// TerminalQuotaError marks quota exhaustion that backoff cannot fix within
// a session, such as a daily limit.
type TerminalQuotaError struct {
	cause error
}

func (e *TerminalQuotaError) Error() string {
	return fmt.Sprintf("quota exhausted (non-retryable): %v", e.cause)
}

func (e *TerminalQuotaError) Unwrap() error { return e.cause }

// RetryableQuotaError marks transient rate limiting. DelayMs is how long
// the caller should wait before retrying.
type RetryableQuotaError struct {
	cause   error
	DelayMs int64
}

func (e *RetryableQuotaError) Error() string {
	return fmt.Sprintf("rate limited (retry after %dms): %v", e.DelayMs, e.cause)
}

func (e *RetryableQuotaError) Unwrap() error { return e.cause }

// retryInMessage matches provider messages of the form "retry in 7s",
// "Retry in 2.5s" or "retry in 500ms".
var retryInMessage = regexp.MustCompile(`(?i)retry in (\d+(?:\.\d+)?)\s*(ms|s)`)

// ClassifyGoogleError inspects an error from the Gemini API and, when it is
// rate-limit shaped, wraps it as TerminalQuotaError or RetryableQuotaError.
// Checks run in order:
//
//  1. a quota violation on a per-day window is terminal
//  2. ErrorInfo reason RATE_LIMIT_EXCEEDED is retryable (provider delay or
//     a 10s default); QUOTA_EXHAUSTED is terminal
//  3. a provider-suggested delay above 120s is terminal, otherwise
//     retryable with exactly that delay
//  4. a per-minute quota violation with no suggested delay is retryable
//     after 60s
//
// Everything else, including non-429 errors, passes through unchanged.
func ClassifyGoogleError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr genai.APIError
	hasAPIErr := errors.As(err, &apiErr)

	delayMs, delayKnown := messageRetryDelayMs(err.Error())
	if !(hasAPIErr && apiErr.Code == 429) && !delayKnown {
		return err
	}

	var (
		reason   string
		quotaIDs []string
	)
	if hasAPIErr {
		reason, quotaIDs = extractErrorDetails(apiErr)
		if ms, ok := retryInfoDelayMs(apiErr); ok {
			delayMs, delayKnown = ms, true
		}
	}

	if containsFold(quotaIDs, "perday") {
		return &TerminalQuotaError{cause: err}
	}

	switch reason {
	case "RATE_LIMIT_EXCEEDED":
		if delayKnown {
			return &RetryableQuotaError{cause: err, DelayMs: delayMs}
		}
		return &RetryableQuotaError{cause: err, DelayMs: defaultRetryDelayMs}
	case "QUOTA_EXHAUSTED":
		return &TerminalQuotaError{cause: err}
	}

	if delayKnown {
		if delayMs > terminalDelayThresholdMs {
			return &TerminalQuotaError{cause: err}
		}
		return &RetryableQuotaError{cause: err, DelayMs: delayMs}
	}

	if containsFold(quotaIDs, "perminute") {
		return &RetryableQuotaError{cause: err, DelayMs: perMinuteDelayMs}
	}

	return err
}

// extractErrorDetails pulls the ErrorInfo reason and QuotaFailure quota ids
// out of the structured error details.
func extractErrorDetails(apiErr genai.APIError) (reason string, quotaIDs []string) {
	for _, detail := range apiErr.Details {
		typ, _ := detail["@type"].(string)
		switch {
		case strings.HasSuffix(typ, "google.rpc.ErrorInfo"):
			if r, ok := detail["reason"].(string); ok {
				reason = r
			}
		case strings.HasSuffix(typ, "google.rpc.QuotaFailure"):
			violations, _ := detail["violations"].([]any)
			for _, v := range violations {
				m, ok := v.(map[string]any)
				if !ok {
					continue
				}
				if id, ok := m["quotaId"].(string); ok {
					quotaIDs = append(quotaIDs, id)
				}
			}
		}
	}
	return reason, quotaIDs
}

// retryInfoDelayMs reads the RetryInfo detail, whose delay is a duration
// string such as "14s".
func retryInfoDelayMs(apiErr genai.APIError) (int64, bool) {
	for _, detail := range apiErr.Details {
		typ, _ := detail["@type"].(string)
		if !strings.HasSuffix(typ, "google.rpc.RetryInfo") {
			continue
		}
		raw, ok := detail["retryDelay"].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			continue
		}
		return d.Milliseconds(), true
	}
	return 0, false
}

// messageRetryDelayMs parses a human-readable "retry in Xs" hint. Some
// provider paths only surface the delay this way.
func messageRetryDelayMs(msg string) (int64, bool) {
	m := retryInMessage.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	d, err := time.ParseDuration(m[1] + m[2])
	if err != nil {
		return 0, false
	}
	return d.Milliseconds(), true
}

func containsFold(ids []string, needle string) bool {
	for _, id := range ids {
		if strings.Contains(strings.ToLower(id), needle) {
			return true
		}
	}
	return false
}
