package main

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filedrop/service/internal/config"
	"github.com/filedrop/service/internal/ident"
	"github.com/filedrop/service/internal/metadata"
	"github.com/filedrop/service/internal/storage"
	"github.com/filedrop/service/internal/transfer"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	index := metadata.NewMemoryIndex(time.Hour)
	t.Cleanup(func() { _ = index.Close() })
	svc := transfer.NewService(index, ident.NewGenerator(index), storage.NewFilesystemDriver(memfs.New()), transfer.DefaultPolicy, nil)

	registry := prometheus.NewRegistry()
	cfg := &config.Config{CORSOrigins: []string{"*"}}
	return newRouter(cfg, transfer.NewHandler(svc, nil), nil, registry)
}

func TestRouter_Health(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_Metrics(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_APIMounted(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/info", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"extern":false}}`, rec.Body.String())
}

func TestRouter_HeadOnContent(t *testing.T) {
	router := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	// Upload through the real router so middleware is exercised.
	body, contentType := multipartBody(t, "hello.txt", []byte("hello"))
	resp, err := http.Post(srv.URL+"/api/v1/files", contentType, body)
	require.NoError(t, err)
	id, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodHead, srv.URL+"/api/v1/files/"+string(id)+"/content", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
}

func TestOpenIndex_Memory(t *testing.T) {
	cfg := &config.Config{MetadataBackend: config.BackendMemory, MetadataSweepInterval: time.Second}
	idx, closeIndex, err := openIndex(context.Background(), cfg)
	require.NoError(t, err)
	defer closeIndex()

	ok, err := idx.Reserve(context.Background(), "abc", "a.txt", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenIndex_Unknown(t *testing.T) {
	_, _, err := openIndex(context.Background(), &config.Config{MetadataBackend: "etcd"})
	assert.Error(t, err)
}

func TestOpenStore_Filesystem(t *testing.T) {
	cfg := &config.Config{
		StorageDriver: storage.DriverFilesystem,
		Storage:       storage.NewParams(map[string]string{storage.KeyFileLocation: t.TempDir()}),
	}
	store, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, store.Extern())
}

func TestRootCmd_Config(t *testing.T) {
	for _, k := range []string{"METADATA_BACKEND", "STORAGE_DRIVER", "REDIS_PASSWORD", "LOG_FORMAT"} {
		t.Setenv(k, "")
	}
	t.Setenv("REDIS_PASSWORD", "s3cret")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "METADATA_BACKEND")
	assert.NotContains(t, out.String(), "s3cret")
}

func multipartBody(t *testing.T, name string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}
