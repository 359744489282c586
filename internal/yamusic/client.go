// Package yamusic is a minimal client for the Yandex Music API, covering
// just what the watcher needs: token verification, the owner uid, the
// liked-tracks listing and a bulk track lookup.
package yamusic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.music.yandex.net"

var (
	// ErrAuth indicates the API rejected the OAuth token.
	ErrAuth = errors.New("yandex music rejected the token")

	// ErrNoOwner indicates the account status response carried no uid.
	// Tokens not issued through music.yandex.ru commonly hit this.
	ErrNoOwner = errors.New("could not resolve owner uid")
)

// Catalog issues authenticated sessions against the Yandex Music API.
type Catalog struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewCatalog returns a catalog pointed at the production API.
func NewCatalog() *Catalog {
	return &Catalog{
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Client is an authenticated session for one token.
type Client struct {
	catalog *Catalog
	token   string
}

// Authenticate verifies the token against the account status endpoint and
// returns a session bound to it. Returns ErrAuth when the API rejects it.
func (c *Catalog) Authenticate(ctx context.Context, token string) (*Client, error) {
	client := &Client{catalog: c, token: token}
	if _, err := client.accountStatus(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Artist is the subset of artist data used for display strings.
type Artist struct {
	Name string `json:"name"`
}

// Album carries the album id used to build composite track keys.
type Album struct {
	ID int64 `json:"id"`
}

// Track is the subset of track data needed to display an entry.
type Track struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Artists []Artist `json:"artists"`
	Albums  []Album  `json:"albums"`
}

// LikedTrack is one entry of the liked-tracks listing. Track is optional:
// the listing omits embedded details for some entries.
type LikedTrack struct {
	ID      string `json:"id"`
	AlbumID string `json:"albumId"`
	Track   *Track `json:"track,omitempty"`
}

// Key returns the composite track identity, stable across polls.
func (lt LikedTrack) Key() string {
	if lt.AlbumID != "" {
		return lt.ID + ":" + lt.AlbumID
	}
	return lt.ID
}

type accountStatus struct {
	Account struct {
		UID int64 `json:"uid"`
	} `json:"account"`
}

func (c *Client) accountStatus(ctx context.Context) (*accountStatus, error) {
	var st accountStatus
	if err := c.getJSON(ctx, "/account/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// OwnerUID resolves the numeric account id behind the token.
func (c *Client) OwnerUID(ctx context.Context) (int64, error) {
	st, err := c.accountStatus(ctx)
	if err != nil {
		return 0, err
	}
	if st.Account.UID == 0 {
		return 0, ErrNoOwner
	}
	return st.Account.UID, nil
}

type likesLibrary struct {
	Library struct {
		Tracks []LikedTrack `json:"tracks"`
	} `json:"library"`
}

// LikedTracks fetches the full liked-tracks listing for uid.
func (c *Client) LikedTracks(ctx context.Context, uid int64) ([]LikedTrack, error) {
	var lib likesLibrary
	path := fmt.Sprintf("/users/%d/likes/tracks", uid)
	if err := c.getJSON(ctx, path, &lib); err != nil {
		return nil, err
	}
	return lib.Library.Tracks, nil
}

// TracksByIDs resolves full track info for the given composite keys via the
// bulk lookup endpoint. The result is keyed the same way as the request, so
// callers can match entries back; tracks missing an id or album are skipped.
func (c *Client) TracksByIDs(ctx context.Context, ids []string) (map[string]Track, error) {
	if len(ids) == 0 {
		return map[string]Track{}, nil
	}

	form := url.Values{"track-ids": {strings.Join(ids, ",")}}
	var tracks []Track
	if err := c.postJSON(ctx, "/tracks", form, &tracks); err != nil {
		return nil, err
	}

	result := make(map[string]Track, len(tracks))
	for _, tr := range tracks {
		if tr.ID == "" || len(tr.Albums) == 0 {
			continue
		}
		key := fmt.Sprintf("%s:%d", tr.ID, tr.Albums[0].ID)
		result[key] = tr
	}
	return result, nil
}

type envelope struct {
	Result json.RawMessage `json:"result"`
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.catalog.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.catalog.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "OAuth "+c.token)

	resp, err := c.catalog.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("yandex music request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("yandex music: unexpected status %d for %s", resp.StatusCode, req.URL.Path)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
