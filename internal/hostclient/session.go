package hostclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"fetcharr/internal/classify"
	"fetcharr/internal/storage"
)

// loginBackoff maps consecutive login failures to a mandatory wait.
var loginBackoff = []time.Duration{0, 5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second}

type sessionState struct {
	mu                  sync.Mutex
	mode                sessionMode
	sessionID           string
	token               string
	lastValidated       time.Time
	lastAttempt         time.Time
	consecutiveFailures int
}

// authFailure marks a credential rejection so the tier cascade stops
// instead of falling through to the next login method.
type authFailure struct{ err error }

func (a *authFailure) Error() string { return a.err.Error() }
func (a *authFailure) Unwrap() error { return a.err }

// restoreSession loads the persisted session row, if any.
func (c *Client) restoreSession() {
	if c.store == nil {
		return
	}
	sess, err := c.store.GetSession(c.host)
	if err != nil {
		return
	}
	c.session.mu.Lock()
	c.session.sessionID = sess.SessionID
	c.session.token = sess.Token
	c.session.mode = modeAPI
	if sess.Token == "" {
		c.session.mode = modeWeb
	}
	// Forces a validation probe on first use.
	c.session.lastValidated = time.Time{}
	c.session.mu.Unlock()
	c.logger.Info("restored host session", "host", c.host)
}

// ensureSession guarantees a usable session: reuse within the validation
// interval, probe when stale, log in fresh when probe fails. Concurrent
// callers share one login via singleflight.
func (c *Client) ensureSession(ctx context.Context) error {
	c.session.mu.Lock()
	mode := c.session.mode
	age := time.Since(c.session.lastValidated)
	c.session.mu.Unlock()

	if mode != modeNone && age < validationInterval {
		return nil
	}

	if mode != modeNone {
		if c.validateSession(ctx) {
			c.session.mu.Lock()
			c.session.lastValidated = time.Now()
			c.session.mu.Unlock()
			return nil
		}
		c.logger.Info("host session no longer valid, re-authenticating", "host", c.host)
		c.dropSession()
	}

	_, err, _ := c.loginSF.Do("login", func() (interface{}, error) {
		// Another caller may have finished a login while this one waited.
		c.session.mu.Lock()
		ready := c.session.mode != modeNone && time.Since(c.session.lastValidated) < validationInterval
		c.session.mu.Unlock()
		if ready {
			return nil, nil
		}
		return nil, c.login(ctx)
	})
	return err
}

func (c *Client) dropSession() {
	c.session.mu.Lock()
	c.session.mode = modeNone
	c.session.sessionID = ""
	c.session.token = ""
	c.session.mu.Unlock()
	if c.store != nil {
		_ = c.store.DeleteSession(c.host)
	}
}

// validateSession performs the cheap "who am I" probe.
func (c *Client) validateSession(ctx context.Context) bool {
	err := c.apiJSON(ctx, http.MethodGet, "/api/v2/user/me", nil, nil)
	return err == nil
}

// login runs the tier cascade: primary JSON API, secondary JSON API, web
// form. Connectivity failures cascade; credential rejections do not.
func (c *Client) login(ctx context.Context) error {
	if err := c.waitLoginBackoff(ctx); err != nil {
		return err
	}

	tiers := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"primary api", c.loginPrimaryAPI},
		{"secondary api", c.loginSecondaryAPI},
		{"web form", c.loginWebForm},
	}
	if c.preferSecondary {
		tiers[0], tiers[1] = tiers[1], tiers[0]
	}

	var lastErr error
	for _, tier := range tiers {
		err := tier.fn(ctx)
		if err == nil {
			c.recordLoginSuccess()
			c.logger.Info("host login succeeded", "host", c.host, "method", tier.name)
			return nil
		}
		var auth *authFailure
		if errors.As(err, &auth) {
			c.recordLoginFailure()
			return fmt.Errorf("host rejected credentials via %s: %w", tier.name, auth.err)
		}
		c.logger.Warn("login tier unreachable, trying next", "host", c.host, "tier", tier.name, "error", err)
		lastErr = err
	}
	c.recordLoginFailure()
	return fmt.Errorf("all login tiers failed: %w", lastErr)
}

func (c *Client) waitLoginBackoff(ctx context.Context) error {
	c.session.mu.Lock()
	failures := c.session.consecutiveFailures
	last := c.session.lastAttempt
	c.session.lastAttempt = time.Now()
	c.session.mu.Unlock()

	idx := failures
	if idx >= len(loginBackoff) {
		idx = len(loginBackoff) - 1
	}
	wait := loginBackoff[idx] - time.Since(last)
	if wait <= 0 {
		return nil
	}
	c.logger.Info("login backoff", "host", c.host, "wait", wait.Round(time.Second))
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) recordLoginSuccess() {
	c.session.mu.Lock()
	c.session.consecutiveFailures = 0
	c.session.lastValidated = time.Now()
	c.session.mu.Unlock()
	c.persistSession()
}

func (c *Client) recordLoginFailure() {
	c.session.mu.Lock()
	c.session.consecutiveFailures++
	c.session.mu.Unlock()
}

func (c *Client) persistSession() {
	if c.store == nil {
		return
	}
	c.session.mu.Lock()
	sess := &storage.Session{
		Host:          c.host,
		SessionID:     c.session.sessionID,
		Token:         c.session.token,
		CreatedAt:     time.Now(),
		LastValidated: c.session.lastValidated,
	}
	c.session.mu.Unlock()
	if err := c.store.SaveSession(sess); err != nil {
		c.logger.Warn("failed to persist session", "error", err)
	}
}

type loginResponse struct {
	Session string `json:"session"`
	Token   string `json:"token"`
}

func (c *Client) loginPrimaryAPI(ctx context.Context) error {
	return c.loginJSON(ctx, "/api/v2/user/login", apiUserAgent)
}

func (c *Client) loginSecondaryAPI(ctx context.Context) error {
	return c.loginJSON(ctx, "/api/v1/login", webUserAgent)
}

func (c *Client) loginJSON(ctx context.Context, path, userAgent string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{
		"email":    c.email,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &authFailure{err: &classify.HTTPError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}}
	}
	if resp.StatusCode != http.StatusOK {
		return &classify.HTTPError{Code: resp.StatusCode}
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("bad login response: %w", err)
	}
	if lr.Session == "" && lr.Token == "" {
		return fmt.Errorf("login response carried no session")
	}

	c.session.mu.Lock()
	c.session.sessionID = lr.Session
	c.session.token = lr.Token
	c.session.mode = modeAPI
	c.session.mu.Unlock()
	return nil
}

var csrfRe = regexp.MustCompile(`name="csrf_token"\s+value="([^"]+)"`)

// loginWebForm is the last tier: fetch the login page, extract the CSRF
// token, post the form, confirm via a protected page.
func (c *Client) loginWebForm(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	page, _, err := c.webGet(ctx, "/login")
	if err != nil {
		return err
	}
	m := csrfRe.FindStringSubmatch(page)
	if m == nil {
		return fmt.Errorf("login page has no csrf token")
	}

	form := url.Values{
		"email":      {c.email},
		"password":   {c.password},
		"csrf_token": {m[1]},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", webUserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Keep the redirect visible: a 302 is the success signal.
	transportClient := *c.http
	transportClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := transportClient.Do(req)
	if err != nil {
		return err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther:
		// success
	case resp.StatusCode == http.StatusOK && !strings.Contains(string(body), "csrf_token"):
		// login form gone from the 200 page, also success
	default:
		return &authFailure{err: &classify.HTTPError{Code: resp.StatusCode, Message: "web login rejected"}}
	}

	// Confirm against a protected page before trusting the cookies.
	if _, status, err := c.webGet(ctx, "/account"); err != nil || status != http.StatusOK {
		if err == nil {
			err = &classify.HTTPError{Code: status}
		}
		return fmt.Errorf("web session confirmation failed: %w", err)
	}

	c.session.mu.Lock()
	c.session.mode = modeWeb
	c.session.token = ""
	c.session.sessionID = cookieValue(c.http, c.baseURL, "session_id")
	c.session.mu.Unlock()
	return nil
}

func (c *Client) webGet(ctx context.Context, path string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", webUserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

func cookieValue(client *http.Client, baseURL, name string) string {
	u, err := url.Parse(baseURL)
	if err != nil || client.Jar == nil {
		return ""
	}
	for _, ck := range client.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}
