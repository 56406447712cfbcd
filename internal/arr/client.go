// Package arr integrates with the downstream library managers: one for
// series, one for movies, both speaking the same v3 API shape. The artifact
// manager ensures a library record exists for every task that carries an
// external catalog ID, and moves completed files into the managed folders.
package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// InstanceType names which manager a client talks to.
type InstanceType string

const (
	SeriesManager InstanceType = "series"
	MovieManager  InstanceType = "movies"
)

// Client talks to one arr instance.
type Client struct {
	baseURL          string
	apiKey           string
	instanceType     InstanceType
	qualityProfileID int

	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a client for one arr instance.
func NewClient(baseURL, apiKey string, instanceType InstanceType, qualityProfileID int, logger *slog.Logger) *Client {
	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		apiKey:           apiKey,
		instanceType:     instanceType,
		qualityProfileID: qualityProfileID,
		http:             &http.Client{Timeout: 30 * time.Second},
		logger:           logger,
	}
}

// Type returns which manager this client serves.
func (c *Client) Type() InstanceType { return c.instanceType }

// StatusError is a non-2xx answer from the arr instance.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("arr returned %d: %s", e.Code, e.Body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SystemStatus is the health probe.
func (c *Client) SystemStatus(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/v3/system/status", nil, nil)
}

// RootFolder is one configured library root.
type RootFolder struct {
	Path       string `json:"path"`
	Accessible bool   `json:"accessible"`
}

// RootFolders lists the instance's library roots.
func (c *Client) RootFolders(ctx context.Context) ([]RootFolder, error) {
	var out []RootFolder
	if err := c.doJSON(ctx, http.MethodGet, "/api/v3/rootfolder", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LibraryItem is a series or movie as the arr instance knows it.
type LibraryItem struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Path   string `json:"path"`
	TvdbID int64  `json:"tvdbId,omitempty"`
	TmdbID int64  `json:"tmdbId,omitempty"`
}

// ExternalRef returns the catalog ID this item is keyed by.
func (li LibraryItem) ExternalRef() int64 {
	if li.TvdbID != 0 {
		return li.TvdbID
	}
	return li.TmdbID
}

// Lookup finds the library item for an external catalog ID, or nil.
func (c *Client) Lookup(ctx context.Context, externalID int64) (*LibraryItem, error) {
	var path string
	switch c.instanceType {
	case SeriesManager:
		path = fmt.Sprintf("/api/v3/series?tvdbId=%d", externalID)
	default:
		path = fmt.Sprintf("/api/v3/movie?tmdbId=%d", externalID)
	}

	var items []LibraryItem
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

type addPayload struct {
	Title            string      `json:"title"`
	TvdbID           int64       `json:"tvdbId,omitempty"`
	TmdbID           int64       `json:"tmdbId,omitempty"`
	QualityProfileID int         `json:"qualityProfileId"`
	RootFolderPath   string      `json:"rootFolderPath"`
	Monitored        bool        `json:"monitored"`
	AddOptions       *addOptions `json:"addOptions,omitempty"`
}

type addOptions struct {
	SearchForMissing bool `json:"searchForMissingEpisodes,omitempty"`
	SearchForMovie   bool `json:"searchForMovie,omitempty"`
}

// Add creates a library record for an external catalog ID.
func (c *Client) Add(ctx context.Context, externalID int64, title, rootFolder string) (*LibraryItem, error) {
	payload := addPayload{
		Title:            title,
		QualityProfileID: c.qualityProfileID,
		RootFolderPath:   rootFolder,
		Monitored:        true,
	}
	var path string
	switch c.instanceType {
	case SeriesManager:
		payload.TvdbID = externalID
		path = "/api/v3/series"
	default:
		payload.TmdbID = externalID
		path = "/api/v3/movie"
	}

	var out LibraryItem
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetItem fetches a library item by its arr-side ID.
func (c *Client) GetItem(ctx context.Context, arrID int64) (*LibraryItem, error) {
	var path string
	switch c.instanceType {
	case SeriesManager:
		path = fmt.Sprintf("/api/v3/series/%d", arrID)
	default:
		path = fmt.Sprintf("/api/v3/movie/%d", arrID)
	}
	var out LibraryItem
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rescan asks the instance to import downloaded files from path.
func (c *Client) Rescan(ctx context.Context, path string) error {
	name := "DownloadedMoviesScan"
	if c.instanceType == SeriesManager {
		name = "DownloadedEpisodesScan"
	}
	body := map[string]string{"name": name, "path": path}
	return c.doJSON(ctx, http.MethodPost, "/api/v3/command", body, nil)
}
