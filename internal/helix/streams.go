// Package helix is a thin client over the platform's Streams and Users
// REST endpoints, signed through a credential.Broker rather than managing
// its own token.
package helix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const (
	streamsEndpoint = "https://api.twitch.tv/helix/streams"
	usersEndpoint   = "https://api.twitch.tv/helix/users"
)

// credentialDoer is the subset of credential.Broker the client needs.
type credentialDoer interface {
	Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error)
}

// Client resolves stream and user records.
type Client struct {
	broker credentialDoer
	http   *http.Client
}

// NewClient constructs a Client that sends every request through broker,
// which signs it. The client's own http field is always http.DefaultClient.
func NewClient(broker credentialDoer) *Client {
	return &Client{broker: broker, http: http.DefaultClient}
}

// Stream is a live stream record as returned by GET /helix/streams.
type Stream struct {
	ID           string   `json:"id"`
	UserID       string   `json:"user_id"`
	UserLogin    string   `json:"user_login"`
	UserName     string   `json:"user_name"`
	GameID       string   `json:"game_id"`
	GameName     string   `json:"game_name"`
	Type         string   `json:"type"`
	Title        string   `json:"title"`
	ViewerCount  int      `json:"viewer_count"`
	StartedAt    string   `json:"started_at"`
	Language     string   `json:"language"`
	ThumbnailURL string   `json:"thumbnail_url"`
	Tags         []string `json:"tags"`
}

// User is a channel/account record as returned by GET /helix/users.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	Type            string `json:"type"`
	BroadcasterType string `json:"broadcaster_type"`
	Description     string `json:"description"`
	ProfileImageURL string `json:"profile_image_url"`
	CreatedAt       string `json:"created_at"`
}

type streamsResponse struct {
	Data []Stream `json:"data"`
}

type usersResponse struct {
	Data []User `json:"data"`
}

// StreamByUserID fetches the live stream record for a user, returning
// (nil, nil) if the user is not currently live — absence is not an error,
// per SPEC_FULL.md §4.3 step 3.
func (c *Client) StreamByUserID(ctx context.Context, userID string) (*Stream, error) {
	u := streamsEndpoint + "?user_id=" + url.QueryEscape(userID)

	resp, err := c.broker.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch stream for user %s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("streams endpoint returned %d for user %s", resp.StatusCode, userID)
	}

	var parsed streamsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode streams response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, nil
	}
	return &parsed.Data[0], nil
}

// UserByID resolves a user record by numeric id.
func (c *Client) UserByID(ctx context.Context, id string) (*User, error) {
	return c.fetchUser(ctx, "id", id)
}

// UserByLogin resolves a user record by login name.
func (c *Client) UserByLogin(ctx context.Context, login string) (*User, error) {
	return c.fetchUser(ctx, "login", login)
}

func (c *Client) fetchUser(ctx context.Context, param, value string) (*User, error) {
	u := usersEndpoint + "?" + param + "=" + url.QueryEscape(value)

	resp, err := c.broker.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch user %s=%s: %w", param, value, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("users endpoint returned %d for %s=%s", resp.StatusCode, param, value)
	}

	var parsed usersResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode users response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("user %s=%s not found", param, value)
	}
	return &parsed.Data[0], nil
}
