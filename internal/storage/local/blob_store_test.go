package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-fleet/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "archive", "nested")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{BaseDir: "  "})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})

	t.Run("probe file is removed", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("writes nested record", func(t *testing.T) {
		body := []byte(`{"id":"job-1"}`)
		uri, err := store.PutObject(ctx, "results/job-1.json", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		want := filepath.Join(dir, "results", "job-1.json")
		require.Equal(t, "file://"+want, uri)

		// #nosec G304 -- test reads from its own temp directory.
		got, err := os.ReadFile(want)
		require.NoError(t, err)
		require.Equal(t, body, got)

		entries, err := os.ReadDir(filepath.Join(dir, "results"))
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("overwrites existing record", func(t *testing.T) {
		_, err := store.PutObject(ctx, "results/job-2.json", "", bytes.NewReader([]byte("old")))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "results/job-2.json", "", bytes.NewReader([]byte("new")))
		require.NoError(t, err)
		// #nosec G304 -- test reads from its own temp directory.
		got, err := os.ReadFile(filepath.Join(dir, "results", "job-2.json"))
		require.NoError(t, err)
		require.Equal(t, "new", string(got))
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "", bytes.NewReader(nil))
		require.Error(t, err)
	})

	t.Run("path traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.json", "", bytes.NewReader([]byte("x")))
		require.Error(t, err)
	})
}
