package classify

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		direct bool
		want   Kind
		delay  int
	}{
		{"rate limited", &HTTPError{Code: 429}, true, Retryable, 30},
		{"bad gateway", &HTTPError{Code: 502}, true, Retryable, 10},
		{"service unavailable", &HTTPError{Code: 503}, true, Retryable, 10},
		{"request timeout", &HTTPError{Code: 408}, true, Retryable, 10},
		{"unauthorized plain", &HTTPError{Code: 401, Message: "bad credentials"}, false, AccountIssue, 0},
		{"unauthorized token", &HTTPError{Code: 401, Message: "invalid token"}, false, URLRefreshNeeded, 0},
		{"forbidden expired", &HTTPError{Code: 403, Message: "link expired"}, true, URLRefreshNeeded, 0},
		{"forbidden suspended", &HTTPError{Code: 403, Message: "account suspended"}, true, AccountIssue, 0},
		{"forbidden other", &HTTPError{Code: 403}, true, Permanent, 0},
		{"not found on direct url", &HTTPError{Code: 404}, true, URLRefreshNeeded, 0},
		{"not found on share url", &HTTPError{Code: 404}, false, Permanent, 0},
		{"gone", &HTTPError{Code: 410}, true, URLRefreshNeeded, 0},
		{"payment required", &HTTPError{Code: 402}, true, AccountIssue, 0},
		{"bad request", &HTTPError{Code: 400}, true, Permanent, 0},
		{"legal block", &HTTPError{Code: 451}, true, Permanent, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err, tt.direct)
			assert.Equal(t, tt.want, c.Kind)
			if tt.delay > 0 {
				assert.Equal(t, tt.delay, c.DelaySeconds)
			}
		})
	}
}

func TestClassifyWrappedHTTPError(t *testing.T) {
	err := fmt.Errorf("download failed: %w", &HTTPError{Code: 429})
	c := Classify(err, true)
	assert.Equal(t, Retryable, c.Kind)
	assert.Equal(t, 30, c.DelaySeconds)
}

func TestClassifyStatusFromMessage(t *testing.T) {
	c := Classify(errors.New("server returned HTTP 503"), true)
	assert.Equal(t, Retryable, c.Kind)

	c = Classify(errors.New("unexpected status code 404"), false)
	assert.Equal(t, Permanent, c.Kind)
}

func TestClassifyTransportSignals(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"timeout", errors.New("context deadline exceeded"), Retryable},
		{"reset", errors.New("read: connection reset by peer"), Retryable},
		{"refused", errors.New("dial tcp: connection refused"), Retryable},
		{"dns", errors.New("lookup host.example: no such host"), SystemIssue},
		{"unreachable", errors.New("connect: network is unreachable"), SystemIssue},
		{"tls", errors.New("x509: certificate signed by unknown authority"), SystemIssue},
		{"disk full", errors.New("write /downloads/file: no space left on device"), Permanent},
		{"permissions", errors.New("open /downloads/file: permission denied"), Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err, true).Kind)
		})
	}
}

func TestClassifyDefault(t *testing.T) {
	c := Classify(errors.New("something odd happened"), true)
	assert.Equal(t, Retryable, c.Kind)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, 5, c.DelaySeconds)
}

func TestRetry(t *testing.T) {
	assert.True(t, Classification{Kind: Retryable}.Retry())
	assert.True(t, Classification{Kind: URLRefreshNeeded}.Retry())
	assert.True(t, Classification{Kind: SystemIssue}.Retry())
	assert.False(t, Classification{Kind: AccountIssue}.Retry())
	assert.False(t, Classification{Kind: Permanent}.Retry())
}
