// Package classify maps transport and protocol failures into a recovery
// taxonomy the orchestrator acts on: retry with delay, refresh the direct
// URL, surface an account problem, give up, or flag a local system issue.
package classify

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind is the recovery category of a failure.
type Kind string

const (
	Retryable        Kind = "retryable"
	URLRefreshNeeded Kind = "url_refresh_needed"
	AccountIssue     Kind = "account_issue"
	Permanent        Kind = "permanent"
	SystemIssue      Kind = "system_issue"
)

// Classification tells the orchestrator how to recover from a failure.
type Classification struct {
	Kind           Kind
	MaxRetries     int
	DelaySeconds   int
	Reason         string
	ActionRequired string
	FixSuggestion  string
}

// Retry reports whether the failure is worth another attempt at all.
func (c Classification) Retry() bool {
	return c.Kind == Retryable || c.Kind == URLRefreshNeeded || c.Kind == SystemIssue
}

// HTTPError carries a status code through the error chain so the classifier
// does not have to scrape it back out of a message.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.Code)
}

var statusRe = regexp.MustCompile(`(?:HTTP |status |status code )(\d{3})`)

// Classify maps err into a Classification. direct reports whether the
// failure happened against a resolved direct URL; a 404 on a direct URL
// means the link expired, while a 404 on the share URL means the file is
// gone from the host.
func Classify(err error, direct bool) Classification {
	if err == nil {
		return Classification{Kind: Retryable, MaxRetries: 3, DelaySeconds: 5, Reason: "unknown"}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.Code, lower, direct)
	}
	// Status embedded in the message text.
	if m := statusRe.FindStringSubmatch(msg); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return classifyStatus(code, lower, direct)
		}
	}

	switch {
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "eof"):
		return Classification{Kind: Retryable, MaxRetries: 5, DelaySeconds: 5, Reason: "transport failure: " + msg}

	case strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "dns"):
		return Classification{
			Kind:          SystemIssue,
			MaxRetries:    3,
			DelaySeconds:  30,
			Reason:        "DNS resolution failed",
			FixSuggestion: "check DNS configuration and network connectivity",
		}

	case strings.Contains(lower, "network is unreachable"):
		return Classification{
			Kind:          SystemIssue,
			MaxRetries:    3,
			DelaySeconds:  30,
			Reason:        "network unreachable",
			FixSuggestion: "check network connectivity",
		}

	case strings.Contains(lower, "certificate") ||
		strings.Contains(lower, "tls") ||
		strings.Contains(lower, "ssl"):
		return Classification{
			Kind:          SystemIssue,
			MaxRetries:    2,
			DelaySeconds:  30,
			Reason:        "TLS handshake failed",
			FixSuggestion: "check system clock and CA certificates",
		}

	case strings.Contains(lower, "no space left"):
		return Classification{Kind: Permanent, Reason: "disk full"}

	case strings.Contains(lower, "permission denied"):
		return Classification{Kind: Permanent, Reason: "permission denied writing destination"}
	}

	return Classification{Kind: Retryable, MaxRetries: 3, DelaySeconds: 5, Reason: msg}
}

func classifyStatus(code int, lower string, direct bool) Classification {
	switch {
	case code == 429:
		return Classification{Kind: Retryable, MaxRetries: 5, DelaySeconds: 30, Reason: "rate limited by host"}

	case code >= 500 || code == 408:
		return Classification{Kind: Retryable, MaxRetries: 5, DelaySeconds: 10, Reason: fmt.Sprintf("server error %d", code)}

	case code == 401:
		if tokenShaped(lower) {
			return Classification{Kind: URLRefreshNeeded, MaxRetries: 3, Reason: "session token rejected"}
		}
		return Classification{
			Kind:           AccountIssue,
			Reason:         "authentication rejected",
			ActionRequired: "verify host credentials",
		}

	case code == 403:
		switch {
		case strings.Contains(lower, "suspended") || strings.Contains(lower, "banned"):
			return Classification{
				Kind:           AccountIssue,
				Reason:         "account suspended or banned",
				ActionRequired: "contact host support",
			}
		case tokenShaped(lower) || strings.Contains(lower, "expired"):
			return Classification{Kind: URLRefreshNeeded, MaxRetries: 3, Reason: "download link expired"}
		default:
			return Classification{Kind: Permanent, Reason: "access forbidden"}
		}

	case code == 404:
		if direct {
			return Classification{Kind: URLRefreshNeeded, MaxRetries: 3, Reason: "direct URL no longer valid"}
		}
		return Classification{Kind: Permanent, Reason: "file deleted from host"}

	case code == 410:
		return Classification{Kind: URLRefreshNeeded, MaxRetries: 3, Reason: "resource gone, needs fresh link"}

	case code == 402:
		return Classification{
			Kind:           AccountIssue,
			Reason:         "premium account required",
			ActionRequired: "upgrade or renew the host account",
		}

	default:
		return Classification{Kind: Permanent, Reason: fmt.Sprintf("client error %d", code)}
	}
}

func tokenShaped(lower string) bool {
	return strings.Contains(lower, "token") ||
		strings.Contains(lower, "session") ||
		strings.Contains(lower, "signature")
}
