package testutil

import (
	"context"
	"testing"

	"github.com/nhle/aquaportal/internal/model"
	"github.com/nhle/aquaportal/internal/store"
)

// NewTestStore opens an in-memory state store with every migration
// applied. cached, when given, is written as the notification cache.
// The store is closed when the test completes.
func NewTestStore(t *testing.T, cached ...model.Notification) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	if len(cached) > 0 {
		if err := s.ReplaceNotifications(context.Background(), cached); err != nil {
			t.Fatalf("seeding notification cache: %v", err)
		}
	}
	return s
}
