package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	bytes.Buffer
	object      string
	contentType string
	closeErr    error
	closed      bool
}

func (w *captureWriter) Close() error {
	w.closed = true
	return w.closeErr
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func newTestStore(prefix string, w *captureWriter) *BlobStore {
	return &BlobStore{
		bucket: "archive",
		prefix: prefix,
		newWriter: func(_ context.Context, object, contentType string) io.WriteCloser {
			w.object = object
			w.contentType = contentType
			return w
		},
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)
	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestPutObjectAppliesPrefix(t *testing.T) {
	t.Parallel()

	w := &captureWriter{}
	store := newTestStore("fleet", w)
	uri, err := store.PutObject(context.Background(), "results/job-1.json", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/fleet/results/job-1.json", uri)
	require.Equal(t, "fleet/results/job-1.json", w.object)
	require.Equal(t, "application/json", w.contentType)
	require.Equal(t, "{}", w.String())
	require.True(t, w.closed)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store := newTestStore("", &captureWriter{})
	_, err := store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)

	w := &captureWriter{}
	store = newTestStore("", w)
	_, err = store.PutObject(context.Background(), "a.json", "", failingReader{})
	require.ErrorContains(t, err, "copy object")
	require.True(t, w.closed)

	w = &captureWriter{closeErr: errors.New("quota")}
	store = newTestStore("", w)
	_, err = store.PutObject(context.Background(), "a.json", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "close writer")
}
