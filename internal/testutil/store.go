package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/diayal/courierd/internal/securestore"
	"github.com/diayal/courierd/internal/store"
)

func NewStore(t *testing.T) (*store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "courierd-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := store.ApplyMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return s, ctx
}

func NewSecureStore(t *testing.T) (*securestore.SecureStore, *store.Store, context.Context) {
	t.Helper()
	s, ctx := NewStore(t)
	sec, err := securestore.Open(s, filepath.Join(t.TempDir(), "device.key"))
	if err != nil {
		t.Fatalf("open secure store: %v", err)
	}
	return sec, s, ctx
}
