package helix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDoer struct {
	client *http.Client
}

func (s *stubDoer) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	req, err := newReq(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&stubDoer{client: srv.Client()})
}

func TestStreamByUserIDAbsentReturnsNilNotError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(streamsResponse{Data: nil})
	})

	stream, err := c.StreamByUserID(context.Background(), "123")
	require.NoError(t, err)
	assert.Nil(t, stream)
}

func TestStreamByUserIDFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(streamsResponse{Data: []Stream{{ID: "s1", UserID: "123", Type: "live"}}})
	})

	stream, err := c.StreamByUserID(context.Background(), "123")
	require.NoError(t, err)
	require.NotNil(t, stream)
	assert.Equal(t, "s1", stream.ID)
}

func TestUserByLoginNotFoundIsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(usersResponse{Data: nil})
	})

	_, err := c.UserByLogin(context.Background(), "nobody")
	assert.Error(t, err)
}

func TestUserByIDFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "id=123")
		_ = json.NewEncoder(w).Encode(usersResponse{Data: []User{{ID: "123", Login: "someone"}}})
	})

	u, err := c.UserByID(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "someone", u.Login)
}
