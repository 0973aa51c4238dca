package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmoriz/twitcharchive/internal/config"
	"github.com/rmoriz/twitcharchive/internal/helix"
	"github.com/rmoriz/twitcharchive/internal/resolve"
)

func TestChannelKeyPrefersLogin(t *testing.T) {
	assert.Equal(t, "somelogin", channelKey(config.ChannelConfig{ID: "123", Login: "somelogin"}))
	assert.Equal(t, "123", channelKey(config.ChannelConfig{ID: "123"}))
}

func TestBuildResolverSelectsByExtractor(t *testing.T) {
	internal := buildResolver(config.OutputConfig{Extractor: config.ExtractorInternal})
	require.NotNil(t, internal)
	assert.IsType(t, &resolve.GQLResolver{}, internal)

	streamlink := buildResolver(config.OutputConfig{Extractor: config.ExtractorStreamlink, ExtractorAuthHeader: "OAuth abc"})
	require.NotNil(t, streamlink)
	assert.IsType(t, &resolve.StreamlinkResolver{}, streamlink)
}

type fakeChannelResolver struct {
	byID map[string]*helix.User
}

func (f *fakeChannelResolver) UserByID(ctx context.Context, id string) (*helix.User, error) {
	user, ok := f.byID[id]
	if !ok {
		return nil, errors.New("no such user")
	}
	return user, nil
}

func (f *fakeChannelResolver) UserByLogin(ctx context.Context, login string) (*helix.User, error) {
	return nil, errors.New("not implemented")
}

func TestResolveChannelLoginsFillsInMissingLogin(t *testing.T) {
	cfg := &config.Config{
		Channels: []config.ChannelConfig{
			{ID: "42"},
			{Login: "already_set"},
		},
	}
	resolver := &fakeChannelResolver{byID: map[string]*helix.User{
		"42": {ID: "42", Login: "resolved_login"},
	}}

	require.NoError(t, resolveChannelLogins(context.Background(), cfg, resolver))
	assert.Equal(t, "resolved_login", cfg.Channels[0].Login)
	assert.Equal(t, "already_set", cfg.Channels[1].Login)
}

func TestResolveChannelLoginsPropagatesError(t *testing.T) {
	cfg := &config.Config{
		Channels: []config.ChannelConfig{
			{ID: "unknown"},
		},
	}
	resolver := &fakeChannelResolver{byID: map[string]*helix.User{}}

	err := resolveChannelLogins(context.Background(), cfg, resolver)
	require.Error(t, err)
}
