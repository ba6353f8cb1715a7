package main

import (
	"context"
	"testing"
	"time"

	"github.com/adirai/community-api/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeed(t *testing.T) {
	users, posts, area = 3, 7, "Ward-7"
	store := storage.NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, seed(context.Background(), store, now))

	user, err := store.FindUserByMobile(context.Background(), "9000000002")
	require.NoError(t, err)
	assert.Equal(t, "Demo User 2", user.Name)

	list, err := store.ListPosts(context.Background(), storage.PostFilter{Area: "Ward-7", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, list, 7)
	// newest first
	assert.True(t, list[0].CreatedAt.Equal(now))
}
