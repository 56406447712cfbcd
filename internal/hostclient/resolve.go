package hostclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fetcharr/internal/classify"
	"fetcharr/internal/media"
)

// directURLTTL is assumed when the host does not state an expiry.
const directURLTTL = 4 * time.Hour

// IsDirectURL reports whether rawURL already points at file bytes rather
// than a share page.
func (c *Client) IsDirectURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if strings.Contains(u.Path, "/file/") || strings.Contains(u.Path, "/f/") {
		return false
	}
	return u.Query().Get("token") != "" ||
		strings.Contains(u.Host, "cdn") ||
		strings.Contains(u.Path, "/dl/") ||
		strings.Contains(u.Path, "/download/")
}

// ResolveDownloadURL turns a share URL (or a possibly stale direct URL)
// into a direct, range-capable location.
func (c *Client) ResolveDownloadURL(ctx context.Context, rawURL string) (*ResolvedURL, error) {
	if c.IsDirectURL(rawURL) {
		if c.ValidateDownloadURL(ctx, rawURL) {
			return &ResolvedURL{
				DirectURL: rawURL,
				ExpiresAt: time.Now().Add(directURLTTL),
			}, nil
		}
		// Stale direct URL with no share URL to fall back to.
		return nil, &classify.HTTPError{Code: http.StatusGone, Message: "direct URL expired"}
	}
	return c.RefreshDownloadURL(ctx, rawURL)
}

// RefreshDownloadURL always resolves from the original share URL, ignoring
// any cached direct URL.
func (c *Client) RefreshDownloadURL(ctx context.Context, shareURL string) (*ResolvedURL, error) {
	code := media.ExtractHostFileCode(shareURL)
	if code == "" {
		return nil, fmt.Errorf("no file code in %q", shareURL)
	}
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	c.session.mu.Lock()
	mode := c.session.mode
	c.session.mu.Unlock()

	// Web sessions only have the web path. An open breaker also skips the
	// API path entirely.
	if mode == modeWeb || !c.breaker.Allow() {
		if c.breaker.State() == BreakerOpen {
			c.logger.Warn("api breaker open, resolving via web", "host", c.host)
		}
		return c.resolveWeb(ctx, shareURL, code)
	}

	resolved, err := c.resolveAPI(ctx, code)
	c.breaker.Record(err == nil)
	if err == nil {
		return resolved, nil
	}

	// Permanent answers (file removed, account problems) must not be
	// papered over by the web path.
	cls := classify.Classify(err, false)
	if cls.Kind == classify.Permanent || cls.Kind == classify.AccountIssue {
		return nil, err
	}

	c.logger.Warn("api resolution failed, trying web path", "host", c.host, "error", err)
	return c.resolveWeb(ctx, shareURL, code)
}

// resolveAPI asks the JSON API for a direct location. The secondary
// endpoint is preferred when configured.
func (c *Client) resolveAPI(ctx context.Context, code string) (*ResolvedURL, error) {
	paths := []string{"/api/v2/file/link", "/api/v1/link"}
	if c.preferSecondary {
		paths[0], paths[1] = paths[1], paths[0]
	}

	var lastErr error
	for _, path := range paths {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var out struct {
			Location  string `json:"location"`
			ExpiresIn int64  `json:"expires_in"`
		}
		err := c.apiJSON(ctx, http.MethodGet, path+"?code="+url.QueryEscape(code), nil, &out)
		if err != nil {
			var httpErr *classify.HTTPError
			if errors.As(err, &httpErr) && httpErr.Code < 500 && httpErr.Code != http.StatusTooManyRequests {
				// A definite answer from the host, not an outage.
				return nil, err
			}
			lastErr = err
			continue
		}
		if out.Location == "" {
			lastErr = fmt.Errorf("api returned empty location")
			continue
		}
		ttl := directURLTTL
		if out.ExpiresIn > 0 {
			ttl = time.Duration(out.ExpiresIn) * time.Second
		}
		return &ResolvedURL{
			DirectURL: out.Location,
			ExpiresAt: time.Now().Add(ttl),
		}, nil
	}
	return nil, lastErr
}

// resolveWeb drives the browser flow: fetch the file page for a scoped
// CSRF token, post the download form, parse the direct URL from the JSON
// answer or the redirect.
func (c *Client) resolveWeb(ctx context.Context, shareURL, code string) (*ResolvedURL, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	page, status, err := c.webGet(ctx, "/file/"+code)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &classify.HTTPError{Code: status, Message: "file page unavailable"}
	}
	m := csrfRe.FindStringSubmatch(page)
	if m == nil {
		return nil, fmt.Errorf("file page has no csrf token")
	}

	form := url.Values{
		"code":       {code},
		"csrf_token": {m[1]},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/download", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", webUserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", shareURL)

	transportClient := *c.http
	transportClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := transportClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, fmt.Errorf("redirect without location")
		}
		return &ResolvedURL{
			DirectURL: loc,
			Headers:   map[string]string{"User-Agent": webUserAgent},
			ExpiresAt: time.Now().Add(directURLTTL),
		}, nil

	case resp.StatusCode == http.StatusOK:
		var out struct {
			Location string `json:"location"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Location == "" {
			return nil, fmt.Errorf("download form returned no location")
		}
		return &ResolvedURL{
			DirectURL: out.Location,
			Headers:   map[string]string{"User-Agent": webUserAgent},
			ExpiresAt: time.Now().Add(directURLTTL),
		}, nil

	default:
		return nil, &classify.HTTPError{Code: resp.StatusCode, Message: "web resolution rejected"}
	}
}
