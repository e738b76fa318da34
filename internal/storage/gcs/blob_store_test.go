package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{Bucket: " "})
	require.ErrorIs(t, err, ErrNoBucket)

	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	require.Equal(t, "archive", store.bucket)
}

func TestPutObjectRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	for _, p := range []string{"", "  ", "/"} {
		_, err = store.PutObject(context.Background(), p, "text/plain", []byte("x"))
		require.ErrorIs(t, err, ErrEmptyPath)
	}
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	var gotName, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/upload/storage/v1/b/archive/o") {
			http.NotFound(w, r)
			return
		}
		gotName = r.URL.Query().Get("name")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		fmt.Fprintf(w, `{"name": %q, "bucket": "archive"}`, gotName)
	}))
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/runs/c1/links.txt", "text/plain", []byte("https://t.me/s/a\n"))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/runs/c1/links.txt", uri)
	require.Equal(t, "runs/c1/links.txt", gotName)
	require.Contains(t, gotBody, "https://t.me/s/a")
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"code": 403, "message": "denied"}}`, http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "x", "", []byte("x"))
	require.Error(t, err)
}
