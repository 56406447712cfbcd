// Package hostclient talks to the file locker: tiered login (two JSON APIs,
// then the web form), cached-session validation, URL resolution with a
// circuit breaker over the API path, and account status checks.
package hostclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"fetcharr/internal/classify"
	"fetcharr/internal/media"
	"fetcharr/internal/storage"
)

const (
	apiUserAgent = "fetcharr/1.0"
	webUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	validationInterval = 5 * time.Minute
)

// FileInfo is the host's metadata for a shared file.
type FileInfo struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// ResolvedURL is a direct, range-capable download location.
type ResolvedURL struct {
	DirectURL string
	Headers   map[string]string
	ExpiresAt time.Time
}

// AccountStatus summarizes whether the account can download right now.
type AccountStatus struct {
	CanDownload bool      `json:"can_download"`
	Premium     bool      `json:"premium"`
	ValidUntil  time.Time `json:"valid_until"`
	TrafficLeft int64     `json:"traffic_left"`
}

// Capabilities are static per host.
type Capabilities struct {
	Resume      bool
	MaxSegments int
}

// SessionStore persists one session row per host across restarts.
type SessionStore interface {
	GetSession(host string) (*storage.Session, error)
	SaveSession(sess *storage.Session) error
	DeleteSession(host string) error
}

type sessionMode int

const (
	modeNone sessionMode = iota
	modeAPI
	modeWeb
)

// Client is the authenticated host client. Safe for concurrent use.
type Client struct {
	baseURL         string
	host            string
	email           string
	password        string
	preferSecondary bool

	http    *http.Client
	store   SessionStore
	logger  *slog.Logger
	limiter *rate.Limiter
	breaker *Breaker
	loginSF singleflight.Group

	session sessionState
}

// New builds a client for the configured host. store may be nil (sessions
// then live only in memory).
func New(baseURL, email, password string, preferSecondary bool, store SessionStore, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid host base URL %q", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		host:            u.Host,
		email:           email,
		password:        password,
		preferSecondary: preferSecondary,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
		store:   store,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		breaker: NewBreaker(5, 60*time.Second, 2),
	}
	c.restoreSession()
	return c, nil
}

// Host returns the host name this client serves.
func (c *Client) Host() string { return c.host }

// Capabilities reports static transfer capabilities.
func (c *Client) Capabilities() Capabilities {
	return Capabilities{Resume: true, MaxSegments: 1}
}

// CanHandle reports whether url belongs to this client's host.
func (c *Client) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, c.host) ||
		strings.EqualFold(strings.TrimPrefix(u.Host, "www."), strings.TrimPrefix(c.host, "www."))
}

// GetFileInfo fetches filename and size for a share URL.
func (c *Client) GetFileInfo(ctx context.Context, shareURL string) (*FileInfo, error) {
	code := media.ExtractHostFileCode(shareURL)
	if code == "" {
		return nil, fmt.Errorf("no file code in %q", shareURL)
	}
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	var out struct {
		Filename string `json:"filename"`
		Name     string `json:"name"`
		Size     int64  `json:"size"`
	}
	err := c.apiJSON(ctx, http.MethodGet, "/api/v2/file/info?code="+url.QueryEscape(code), nil, &out)
	if err != nil {
		return nil, err
	}
	name := out.Filename
	if name == "" {
		name = out.Name
	}
	return &FileInfo{Filename: name, Size: out.Size}, nil
}

// ValidateDownloadURL does a cheap HEAD against a direct URL.
func (c *Client) ValidateDownloadURL(ctx context.Context, directURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, directURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", apiUserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// CheckAccountStatus asks the host whether the account can download.
func (c *Client) CheckAccountStatus(ctx context.Context) (*AccountStatus, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	var out AccountStatus
	if err := c.apiJSON(ctx, http.MethodGet, "/api/v2/user/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout drops the session locally and remotely (best effort).
func (c *Client) Logout(ctx context.Context) error {
	c.session.mu.Lock()
	hadSession := c.session.mode != modeNone
	c.session.mode = modeNone
	c.session.sessionID = ""
	c.session.token = ""
	c.session.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeleteSession(c.host); err != nil {
			c.logger.Warn("failed to delete persisted session", "error", err)
		}
	}
	if !hadSession {
		return nil
	}
	err := c.apiJSON(ctx, http.MethodPost, "/api/v2/user/logout", nil, nil)
	if err != nil {
		c.logger.Debug("remote logout failed", "error", err)
	}
	return nil
}

// apiJSON performs one authenticated JSON API call.
func (c *Client) apiJSON(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", apiUserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.session.mu.Lock()
	if c.session.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.session.token)
	}
	if c.session.sessionID != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: c.session.sessionID})
	}
	c.session.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		message := strings.TrimSpace(string(msg))
		if authShaped(resp.StatusCode, strings.ToLower(message)) {
			c.logger.Info("host rejected session, dropping it", "status", resp.StatusCode)
			c.dropSession()
		}
		return &classify.HTTPError{Code: resp.StatusCode, Message: message}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// authShaped reports whether a non-2xx response invalidates the session:
// any 401, or a 403 whose body blames the token or session.
func authShaped(status int, lowerMsg string) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if status != http.StatusForbidden {
		return false
	}
	return strings.Contains(lowerMsg, "token") ||
		strings.Contains(lowerMsg, "session") ||
		strings.Contains(lowerMsg, "expired")
}
