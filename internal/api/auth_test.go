package api_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/api/apitest"
)

func TestTokenValidator(t *testing.T) {
	server := apitest.NewMockServer()
	defer server.Close()
	server.AddUser("good-token", "alice")

	v := api.NewTokenValidator(server.URL, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	v.SetClock(func() time.Time { return now })
	ctx := context.Background()

	login, err := v.Authenticate(ctx, "good-token")
	require.NoError(t, err)
	assert.Equal(t, "alice", login)

	// cached within the TTL
	_, err = v.Authenticate(ctx, "good-token")
	require.NoError(t, err)
	assert.Equal(t, 1, server.UserCalls())

	now = now.Add(2 * time.Minute)
	_, err = v.Authenticate(ctx, "good-token")
	require.NoError(t, err)
	assert.Equal(t, 2, server.UserCalls())

	_, err = v.Authenticate(ctx, "bogus")
	assert.ErrorIs(t, err, api.ErrInvalidCredential)
	_, err = v.Authenticate(ctx, "bogus")
	assert.ErrorIs(t, err, api.ErrInvalidCredential)
	assert.Equal(t, 4, server.UserCalls())

	_, err = v.Authenticate(ctx, "")
	assert.ErrorIs(t, err, api.ErrInvalidCredential)
}

func TestTokenValidatorUpstreamFailure(t *testing.T) {
	v := api.NewTokenValidator("http://127.0.0.1:1", time.Minute)

	_, err := v.Authenticate(context.Background(), "any-token")
	require.Error(t, err)
	assert.False(t, errors.Is(err, api.ErrInvalidCredential))
}

func TestCurrentUser(t *testing.T) {
	server := apitest.NewMockServer()
	defer server.Close()
	server.AddUser("token", "octocat")

	login, err := server.Client("token").CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "octocat", login)

	_, err = server.Client("nope").CurrentUser(context.Background())
	var upstream *api.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusUnauthorized, upstream.StatusCode)
}
