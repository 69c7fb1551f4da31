package securestore_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/diayal/courierd/internal/securestore"
	"github.com/diayal/courierd/internal/testutil"
)

func TestEncryptedRoundTrip(t *testing.T) {
	sec, _, ctx := testutil.NewSecureStore(t)

	if err := sec.SetEncrypted(ctx, "k", []byte("secret")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := sec.GetDecrypted(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "secret" {
		t.Fatalf("expected secret, got %s", got)
	}
	if _, err := sec.GetDecrypted(ctx, "missing"); !errors.Is(err, securestore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValueNotStoredInClear(t *testing.T) {
	sec, kv, ctx := testutil.NewSecureStore(t)

	if err := sec.SetEncrypted(ctx, "k", []byte("plaintext-value")); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, err := kv.Get(ctx, "k")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if string(raw) == "plaintext-value" {
		t.Fatal("value stored in the clear")
	}
}

func TestTamperedCiphertextFailsClosed(t *testing.T) {
	sec, kv, ctx := testutil.NewSecureStore(t)

	if err := sec.SetEncrypted(ctx, "k", []byte("secret")); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, err := kv.Get(ctx, "k")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := kv.Set(ctx, "k", raw); err != nil {
		t.Fatalf("store tampered: %v", err)
	}
	if _, err := sec.GetDecrypted(ctx, "k"); err == nil {
		t.Fatal("expected decryption failure on tampered ciphertext")
	}
}

func TestKeyBinding(t *testing.T) {
	sec, kv, ctx := testutil.NewSecureStore(t)

	if err := sec.SetEncrypted(ctx, "a", []byte("secret")); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, err := kv.Get(ctx, "a")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	// Ciphertext is bound to its key; replaying it under another key fails.
	if err := kv.Set(ctx, "b", raw); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if _, err := sec.GetDecrypted(ctx, "b"); err == nil {
		t.Fatal("expected failure opening ciphertext under foreign key")
	}
}

func TestDeviceKeyPersists(t *testing.T) {
	s, ctx := testutil.NewStore(t)
	keyPath := filepath.Join(t.TempDir(), "device.key")

	first, err := securestore.Open(s, keyPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.SetEncrypted(ctx, "k", []byte("secret")); err != nil {
		t.Fatalf("set: %v", err)
	}

	second, err := securestore.Open(s, keyPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := second.GetDecrypted(ctx, "k")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(got) != "secret" {
		t.Fatalf("expected secret, got %s", got)
	}
}

func TestTokenLifecycle(t *testing.T) {
	sec, _, ctx := testutil.NewSecureStore(t)

	token, err := sec.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}

	if err := sec.SaveTokens(ctx, "tok-1", "ref-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if token, _ = sec.Token(ctx); token != "tok-1" {
		t.Fatalf("expected tok-1, got %q", token)
	}
	refresh, _ := sec.RefreshToken(ctx)
	if refresh != "ref-1" {
		t.Fatalf("expected ref-1, got %q", refresh)
	}

	// Rotating with an empty refresh token keeps the old one.
	if err := sec.SaveTokens(ctx, "tok-2", ""); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if refresh, _ = sec.RefreshToken(ctx); refresh != "ref-1" {
		t.Fatalf("refresh token should survive rotation, got %q", refresh)
	}

	if err := sec.PurgeTokens(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if token, _ = sec.Token(ctx); token != "" {
		t.Fatalf("expected empty token after purge, got %q", token)
	}
	if refresh, _ = sec.RefreshToken(ctx); refresh != "" {
		t.Fatalf("expected empty refresh token after purge, got %q", refresh)
	}
}
