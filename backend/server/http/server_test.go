package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDirectory struct {
	names map[string][]string
}

func (s *stubDirectory) ListNames(key string) []string {
	if names, ok := s.names[key]; ok {
		return names
	}
	return []string{}
}

func (s *stubDirectory) NewID() string { return "fresh-id" }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewServer(Config{
		Logger: &logger,
		DirectoryService: &stubDirectory{names: map[string][]string{
			"default": {"room1", "room2"},
		}},
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(body, &out))
	}
	return resp.StatusCode, out
}

func TestServer_ListPeers(t *testing.T) {
	ts := newTestServer(t)

	code, body := get(t, ts.URL+"/api/default/peers")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"room1", "room2"}, body["data"])

	code, body = get(t, ts.URL+"/api/empty/peers")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["data"])
}

func TestServer_NewID(t *testing.T) {
	ts := newTestServer(t)

	code, body := get(t, ts.URL+"/api/id")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "fresh-id", body["data"])
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	code, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body["message"])

	code, _ = get(t, ts.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/id", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
