package store

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// FirestorePresenceStore implements relay.PresenceStore and relay.LocatorIndex
// on a Firestore collection: one document per user id holding the locator.
type FirestorePresenceStore struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
}

// NewFirestorePresenceStore is the constructor for the FirestorePresenceStore.
func NewFirestorePresenceStore(client *firestore.Client, collection string, logger *slog.Logger) (*FirestorePresenceStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		collection = relay.PresenceTable
	}
	return &FirestorePresenceStore{
		client:     client,
		collection: collection,
		logger:     logger.With("component", "firestore_presence_store", "collection", collection),
	}, nil
}

func (s *FirestorePresenceStore) doc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(userID)
}

// Set overwrites the presence document for userID.
func (s *FirestorePresenceStore) Set(ctx context.Context, userID string, loc relay.Locator) error {
	if _, err := s.doc(userID).Set(ctx, loc); err != nil {
		return fmt.Errorf("set presence: %w: %v", relay.ErrStoreUnreachable, err)
	}
	return nil
}

// Fetch returns the locator registered for userID.
func (s *FirestorePresenceStore) Fetch(ctx context.Context, userID string) (relay.Locator, error) {
	snap, err := s.doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return relay.Locator{}, relay.ErrPresenceNotFound
	}
	if err != nil {
		return relay.Locator{}, fmt.Errorf("get presence: %w: %v", relay.ErrStoreUnreachable, err)
	}

	var loc relay.Locator
	if err := snap.DataTo(&loc); err != nil || loc.IsZero() {
		s.logger.Warn("Unreadable presence document", "user", userID, "err", err)
		return relay.Locator{}, relay.ErrPresenceNotFound
	}
	return loc, nil
}

// FetchAll reads the whole collection.
func (s *FirestorePresenceStore) FetchAll(ctx context.Context) (map[string]relay.Locator, error) {
	snaps, err := s.client.Collection(s.collection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w: %v", relay.ErrStoreUnreachable, err)
	}

	entries := make(map[string]relay.Locator, len(snaps))
	for _, snap := range snaps {
		var loc relay.Locator
		if err := snap.DataTo(&loc); err != nil || loc.IsZero() {
			s.logger.Warn("Skipping unreadable presence document", "user", snap.Ref.ID, "err", err)
			continue
		}
		entries[snap.Ref.ID] = loc
	}
	return entries, nil
}

// Delete removes the presence document for userID.
func (s *FirestorePresenceStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.doc(userID).Delete(ctx); err != nil {
		return fmt.Errorf("delete presence: %w: %v", relay.ErrStoreUnreachable, err)
	}
	return nil
}

// DeleteIfMatch removes the document in a transaction only while it still
// points at loc.
func (s *FirestorePresenceStore) DeleteIfMatch(ctx context.Context, userID string, loc relay.Locator) (bool, error) {
	ref := s.doc(userID)
	var removed bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		removed = false
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var current relay.Locator
		if err := snap.DataTo(&current); err != nil {
			return err
		}
		if !current.Equal(loc) {
			return nil
		}
		removed = true
		return tx.Delete(ref)
	})
	if err != nil {
		return false, fmt.Errorf("delete presence: %w: %v", relay.ErrStoreUnreachable, err)
	}
	return removed, nil
}

// FindByLocator queries for every document holding loc.
func (s *FirestorePresenceStore) FindByLocator(ctx context.Context, loc relay.Locator) ([]string, error) {
	snaps, err := s.client.Collection(s.collection).
		Where("instanceId", "==", loc.InstanceID).
		Where("handle", "==", loc.Handle).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("query presence: %w: %v", relay.ErrStoreUnreachable, err)
	}
	if len(snaps) == 0 {
		return nil, relay.ErrPresenceNotFound
	}
	userIDs := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		userIDs = append(userIDs, snap.Ref.ID)
	}
	return userIDs, nil
}

// Close is a no-op; the client is owned by whoever created it.
func (s *FirestorePresenceStore) Close() error {
	return nil
}
