//go:build integration

package store_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-relay-service/internal/platform/store"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// setupFirestoreSuite connects to the emulator named by FIRESTORE_EMULATOR_HOST.
func setupFirestoreSuite(t *testing.T) (context.Context, *store.FirestorePresenceStore) {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	fsClient, err := firestore.NewClient(ctx, "test-project-presence")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsClient.Close() })

	// A fresh collection per test keeps runs independent.
	collection := fmt.Sprintf("online_users_%s", uuid.NewString())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.NewFirestorePresenceStore(fsClient, collection, logger)
	require.NoError(t, err)
	return ctx, s
}

func TestFirestorePresenceStore_Lifecycle(t *testing.T) {
	ctx, s := setupFirestoreSuite(t)

	_, err := s.Fetch(ctx, "alice")
	assert.ErrorIs(t, err, relay.ErrPresenceNotFound)

	require.NoError(t, s.Set(ctx, "alice", locA1))
	require.NoError(t, s.Set(ctx, "bob", locB1))

	got, err := s.Fetch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, locA1, got)

	all, err := s.FetchAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]relay.Locator{"alice": locA1, "bob": locB1}, all)

	userIDs, err := s.FindByLocator(ctx, locB1)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, userIDs)

	require.NoError(t, s.Set(ctx, "bob-phone", locB1))
	userIDs, err = s.FindByLocator(ctx, locB1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "bob-phone"}, userIDs)
	require.NoError(t, s.Delete(ctx, "bob-phone"))

	removed, err := s.DeleteIfMatch(ctx, "alice", locA2)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.DeleteIfMatch(ctx, "alice", locA1)
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, s.Delete(ctx, "bob"))
	all, err = s.FetchAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
