package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_FollowIsIdempotent(t *testing.T) {
	repo := NewRepository(nil)
	alice, err := repo.CreateUser("alice", "alice@example.com", nil)
	require.NoError(t, err)
	bob, err := repo.CreateUser("bob", "bob@example.com", nil)
	require.NoError(t, err)

	changed, err := repo.Follow(alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.Follow(alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	followers, err := repo.Followers(bob.ID)
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, alice.ID, followers[0].ID)

	changed, err = repo.Unfollow(alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.Unfollow(alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = repo.Follow(alice.ID, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRepository_EmailIsCaseInsensitive(t *testing.T) {
	repo := NewRepository(nil)
	_, err := repo.CreateUser("alice", "Alice@Example.com", nil)
	require.NoError(t, err)

	_, err = repo.CreateUser("alice2", " alice@example.com ", nil)
	assert.ErrorIs(t, err, ErrEmailExists)

	u, err := repo.UserByEmail("ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	assert.NotEmpty(t, repo.CreateResetToken("alice@example.com"))
	assert.Empty(t, repo.CreateResetToken("nobody@example.com"))
}

func TestRepository_PostsNewestFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	repo := NewRepository(func() time.Time { return now })

	first := repo.CreatePost("u1", "first")
	second := repo.CreatePost("", "second")
	third := repo.CreatePost("u1", "third")

	posts := repo.Posts(2)
	require.Len(t, posts, 2)
	assert.Equal(t, third.ID, posts[0].ID)
	assert.Equal(t, second.ID, posts[1].ID)

	got, err := repo.Post(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Content)

	_, err = repo.Post("missing")
	assert.ErrorIs(t, err, ErrPostNotFound)
}

func TestRepository_RedeemResetTokenIsSingleUse(t *testing.T) {
	repo := NewRepository(nil)
	alice, err := repo.CreateUser("alice", "alice@example.com", []byte("old"))
	require.NoError(t, err)

	token := repo.CreateResetToken("alice@example.com")
	u, err := repo.RedeemResetToken(token, []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, alice.ID, u.ID)

	got, err := repo.UserByID(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.PasswordHash)

	_, err = repo.RedeemResetToken(token, []byte("again"))
	assert.ErrorIs(t, err, ErrResetTokenInvalid)

	_, err = repo.UserByID("ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
