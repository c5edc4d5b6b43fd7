// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

/*
client.go - Emby REST API Client

Typed client for the Emby endpoints WatchSync reads and writes. All requests
carry the server API key in the X-Emby-Token header and run through a
per-server rate limiter so a busy fan-out cannot flood a single server.

API Reference: https://dev.emby.media/doc/restapi/index.html
*/

package emby

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/watchsync/internal/models"
)

// ClientInterface defines the Emby API operations the engine consumes.
type ClientInterface interface {
	Ping(ctx context.Context) error
	GetSystemInfo(ctx context.Context) (*SystemInfo, error)
	GetUsers(ctx context.Context) ([]User, error)
	GetItem(ctx context.Context, userID, itemID string) (*models.MediaItem, error)
	UpdateUserData(ctx context.Context, userID, itemID string, data *models.UserData) error
	SetFavorite(ctx context.Context, userID, itemID string, favorite bool) error
	SetPlayed(ctx context.Context, userID, itemID string, played bool) error
	SearchItems(ctx context.Context, userID, term string, includeTypes []string, year int) ([]models.MediaItem, error)
	ItemsByProviderID(ctx context.Context, provider, providerID string, includeTypes []string) ([]models.MediaItem, error)
	LibraryItems(ctx context.Context, includeTypes []string) ([]models.MediaItem, error)
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// Client provides access to the Emby REST API for one server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// SystemInfo represents Emby server system information.
type SystemInfo struct {
	ServerName string `json:"ServerName"`
	Version    string `json:"Version"`
	ID         string `json:"Id"`
}

// User represents an Emby user account.
type User struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// NewClient creates a new Emby API client.
//
// Parameters:
//   - baseURL: Emby server URL (e.g., http://localhost:8096)
//   - apiKey: Emby API key from Admin Dashboard > API Keys
//   - timeout: per-request timeout
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		// 10 req/s sustained with small bursts is far below Emby's limits
		// but keeps fan-out storms from monopolizing a server.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// Ping tests connectivity to the Emby server.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/System/Ping", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return c.expectOK(resp, "emby ping")
}

// GetSystemInfo retrieves server identification. The registry uses this as
// its health probe: only a 200 counts as healthy.
func (c *Client) GetSystemInfo(ctx context.Context) (*SystemInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/System/Info", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.expectOK(resp, "emby system info"); err != nil {
		return nil, err
	}

	var info SystemInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode emby system info: %w", err)
	}
	return &info, nil
}

// GetUsers retrieves all users from Emby.
func (c *Client) GetUsers(ctx context.Context) ([]User, error) {
	resp, err := c.do(ctx, http.MethodGet, "/Users", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.expectOK(resp, "emby users"); err != nil {
		return nil, err
	}

	var users []User
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, fmt.Errorf("failed to decode emby users: %w", err)
	}
	return users, nil
}

// GetItem retrieves one item with its per-user UserData.
func (c *Client) GetItem(ctx context.Context, userID, itemID string) (*models.MediaItem, error) {
	endpoint := fmt.Sprintf("/Users/%s/Items/%s", url.PathEscape(userID), url.PathEscape(itemID))

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.expectOK(resp, "emby get item"); err != nil {
		return nil, err
	}

	var item models.MediaItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("failed to decode emby item: %w", err)
	}
	return &item, nil
}

// UpdateUserData writes the full UserData record for (user, item). Callers
// must send a merged record: Emby applies the body verbatim, so omitting a
// field here would zero it on the server.
func (c *Client) UpdateUserData(ctx context.Context, userID, itemID string, data *models.UserData) error {
	endpoint := fmt.Sprintf("/Users/%s/Items/%s/UserData", url.PathEscape(userID), url.PathEscape(itemID))

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode user data: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return c.expectOK(resp, "emby update user data")
}

// SetFavorite toggles the favorite flag for (user, item).
func (c *Client) SetFavorite(ctx context.Context, userID, itemID string, favorite bool) error {
	endpoint := fmt.Sprintf("/Users/%s/FavoriteItems/%s", url.PathEscape(userID), url.PathEscape(itemID))

	method := http.MethodPost
	if !favorite {
		method = http.MethodDelete
	}

	resp, err := c.do(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return c.expectOK(resp, "emby set favorite")
}

// SetPlayed toggles the played flag for (user, item).
func (c *Client) SetPlayed(ctx context.Context, userID, itemID string, played bool) error {
	endpoint := fmt.Sprintf("/Users/%s/PlayedItems/%s", url.PathEscape(userID), url.PathEscape(itemID))

	method := http.MethodPost
	if !played {
		method = http.MethodDelete
	}

	resp, err := c.do(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return c.expectOK(resp, "emby set played")
}

// SearchItems performs a per-user search. A year of 0 leaves the Years
// constraint off.
func (c *Client) SearchItems(ctx context.Context, userID, term string, includeTypes []string, year int) ([]models.MediaItem, error) {
	q := url.Values{}
	q.Set("SearchTerm", term)
	q.Set("Recursive", "true")
	q.Set("Fields", "ProviderIds,ProductionYear")
	if len(includeTypes) > 0 {
		q.Set("IncludeItemTypes", strings.Join(includeTypes, ","))
	}
	if year > 0 {
		q.Set("Years", strconv.Itoa(year))
	}

	endpoint := fmt.Sprintf("/Users/%s/Items?%s", url.PathEscape(userID), q.Encode())
	return c.getItemsPage(ctx, endpoint, "emby search items")
}

// ItemsByProviderID queries the library for items carrying the given
// external provider id (e.g. provider "Tmdb", id "603").
func (c *Client) ItemsByProviderID(ctx context.Context, provider, providerID string, includeTypes []string) ([]models.MediaItem, error) {
	q := url.Values{}
	q.Set("Recursive", "true")
	q.Set("Fields", "ProviderIds,ProductionYear")
	q.Set("AnyProviderIdEquals", fmt.Sprintf("%s.%s", provider, providerID))
	if len(includeTypes) > 0 {
		q.Set("IncludeItemTypes", strings.Join(includeTypes, ","))
	}

	return c.getItemsPage(ctx, "/Items?"+q.Encode(), "emby items by provider id")
}

// LibraryItems fetches the full library slice of the given types with
// provider ids included. Used by the resolver's series/episode scan.
func (c *Client) LibraryItems(ctx context.Context, includeTypes []string) ([]models.MediaItem, error) {
	q := url.Values{}
	q.Set("Recursive", "true")
	q.Set("Fields", "ProviderIds,ProductionYear")
	if len(includeTypes) > 0 {
		q.Set("IncludeItemTypes", strings.Join(includeTypes, ","))
	}

	return c.getItemsPage(ctx, "/Items?"+q.Encode(), "emby library items")
}

// getItemsPage fetches and decodes a paged items envelope.
func (c *Client) getItemsPage(ctx context.Context, endpoint, op string) ([]models.MediaItem, error) {
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.expectOK(resp, op); err != nil {
		return nil, err
	}

	var page models.ItemsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return page.Items, nil
}

// do performs an HTTP request against the Emby API with rate limiting and
// standard headers applied.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Op: "rate limiter wait", Err: err}
	}

	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Emby-Token", c.apiKey)
	req.Header.Set("X-Emby-Client", "WatchSync")
	req.Header.Set("X-Emby-Device-Name", "WatchSync")
	req.Header.Set("X-Emby-Device-Id", "watchsync")
	req.Header.Set("X-Emby-Client-Version", "1.0.0")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method + " " + endpoint, Err: err}
	}
	return resp, nil
}

// expectOK classifies the response status into the error taxonomy. The body
// is consumed on failure so the connection can be reused.
func (c *Client) expectOK(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s returned status %d: %w", op, resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s returned status %d: %w", op, resp.StatusCode, ErrNotFound)
	case resp.StatusCode >= http.StatusInternalServerError:
		// Read a bounded slice of the body for diagnostics.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("body: %s", string(snippet)),
		}
	default:
		// Remaining 4xx responses indicate a request we should not repeat.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", op, resp.StatusCode, string(snippet))
	}
}
