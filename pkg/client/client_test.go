package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	return c
}

func TestPostJSON_SendsBodyAndHeaders(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/jobs", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.Equal(t, "application/json", req.Header.Get("Accept"))
		assert.Equal(t, "yes", req.Header.Get("X-Extra"))
		assert.Equal(t, "courier/1.0", req.Header.Get("User-Agent"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, float64(42), body["size"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"abc"}`))
	}).Methods(http.MethodPost)

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := newTestClient(t).PostJSON(context.Background(), srv.URL+"/jobs", map[string]any{"size": 42}, map[string]string{"X-Extra": "yes"})
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, resp.JSON(&out))
	assert.Equal(t, "abc", out.Token)
}

func TestPostForm_EncodesValues(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/assemblies", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "3", req.PostForm.Get("num_expected_upload_files"))
		_, _ = w.Write([]byte(`{}`))
	}).Methods(http.MethodPost)

	srv := httptest.NewServer(r)
	defer srv.Close()

	values := map[string][]string{"num_expected_upload_files": {"3"}}
	_, err := newTestClient(t).PostForm(context.Background(), srv.URL+"/assemblies", values)
	require.NoError(t, err)
}

func TestPostJSON_NonSuccessReturnsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	resp, err := newTestClient(t).PostJSON(context.Background(), srv.URL, map[string]any{}, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
}

func TestClient_KeepsCookies(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
		_, _ = w.Write([]byte(`{}`))
	})
	r.HandleFunc("/submit", func(w http.ResponseWriter, req *http.Request) {
		c, err := req.Cookie("session")
		if err != nil {
			http.Error(w, "missing cookie", http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "s1", c.Value)
		_, _ = w.Write([]byte(`{}`))
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	c := newTestClient(t)
	_, err := c.PostJSON(context.Background(), srv.URL+"/login", nil, nil)
	require.NoError(t, err)
	_, err = c.PostJSON(context.Background(), srv.URL+"/submit", nil, nil)
	require.NoError(t, err)
}

func TestDo_RespectsCancelledContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	c, err := New(cfg, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	// consume the single burst token
	_, err = c.PostJSON(context.Background(), srv.URL, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	_, err = c.Do(req)
	assert.Error(t, err)
}
