package tokenstore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAllThenReadAllRoundTrips(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.pem")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	records := map[string]Record{
		"user.abc": {
			AccessToken:      "at-1",
			AccessExpiresAt:  now.Add(time.Hour),
			RefreshToken:     "rt-1",
			RefreshExpiresAt: now.Add(30 * 24 * time.Hour),
			UpdatedAt:        now,
		},
	}
	if err := store.WriteAll(records); err != nil {
		t.Fatalf("write all: %v", err)
	}

	loaded, err := store.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	got, ok := loaded["user.abc"]
	if !ok {
		t.Fatalf("expected persisted record, got %v", loaded)
	}
	if got.AccessToken != "at-1" || got.RefreshToken != "rt-1" {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.RefreshExpiresAt.Equal(now.Add(30 * 24 * time.Hour)) {
		t.Fatalf("refresh expiry mangled: %v", got.RefreshExpiresAt)
	}
}

func TestReadAllMissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	store, err := Open(filepath.Join(t.TempDir(), "absent.pem"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	records, err := store.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty mapping, got %v", records)
	}
}

func TestSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokens.pem")

	first, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.WriteAll(map[string]Record{"k": {AccessToken: "v"}}); err != nil {
		t.Fatalf("write all: %v", err)
	}

	second, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	records, err := second.ReadAll()
	if err != nil {
		t.Fatalf("read all after reopen: %v", err)
	}
	if records["k"].AccessToken != "v" {
		t.Fatalf("expected token to survive reopen, got %v", records)
	}
}

func TestWholeFileRewriteDropsRemovedEntries(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokens.pem")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.WriteAll(map[string]Record{"a": {AccessToken: "1"}, "b": {AccessToken: "2"}}); err != nil {
		t.Fatalf("write all: %v", err)
	}
	if err := store.WriteAll(map[string]Record{"a": {AccessToken: "1"}}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	records, err := store.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if _, ok := records["b"]; ok {
		t.Fatalf("expected entry b dropped by whole-file rewrite")
	}
}
