package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hewenyu/kong-proxy/internal/core/errs"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverAddress(s *httptest.Server) string {
	return strings.TrimPrefix(s.URL, "http://")
}

func TestHTTPCaller_ForwardsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/quotes", r.URL.Path)
		assert.Equal(t, "sku=1", r.URL.RawQuery)
		assert.Equal(t, "trace-1", r.Header.Get("X-Trace-ID"))
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		w.Header().Set("X-Upstream", "p1")
		w.WriteHeader(http.StatusCreated)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	c := NewHTTPCaller(nil)
	resp, err := c.Call(context.Background(), serverAddress(srv), &model.ProxyRequest{
		Method:   http.MethodPost,
		Path:     "quotes",
		RawQuery: "sku=1",
		Header: http.Header{
			"X-Trace-Id":          []string{"trace-1"},
			"Proxy-Authorization": []string{"secret"},
		},
		Body: []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "echo:hello", string(resp.Body))
	assert.Equal(t, "p1", resp.Header.Get("X-Upstream"))
}

func TestHTTPCaller_OversizedBodyIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, DefaultMaxBodySize+1024))
	}))
	defer srv.Close()

	resp, err := NewHTTPCaller(nil).Call(context.Background(), serverAddress(srv), &model.ProxyRequest{Path: "/big"})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, errs.Is(err, errs.KindBadResponse))
	assert.False(t, errs.IsRetryable(err))
	assert.Equal(t, http.StatusBadGateway, errs.HTTPStatus(err))
}

func TestHTTPCaller_BodyAtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := r.URL.Query().Get("body")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewHTTPCaller(nil)
	c.maxBodySize = 8

	resp, err := c.Call(context.Background(), serverAddress(srv), &model.ProxyRequest{Path: "/", RawQuery: "body=12345678"})
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(resp.Body))
	assert.Empty(t, resp.Header.Get("Content-Length"))

	_, err = c.Call(context.Background(), serverAddress(srv), &model.ProxyRequest{Path: "/", RawQuery: "body=123456789"})
	assert.True(t, errs.Is(err, errs.KindBadResponse))
}

func TestHTTPCaller_ClientErrorsPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	resp, err := NewHTTPCaller(nil).Call(context.Background(), serverAddress(srv), &model.ProxyRequest{Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPCaller_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPCaller(nil).Call(context.Background(), serverAddress(srv), &model.ProxyRequest{Path: "/"})
	assert.True(t, errs.IsRetryable(err))
}

func TestHTTPCaller_ConnectionRefusedIsTransient(t *testing.T) {
	// 取得一个已关闭的端口
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = NewHTTPCaller(nil).Call(context.Background(), addr, &model.ProxyRequest{Path: "/"})
	assert.True(t, errs.IsRetryable(err))
}

func TestHTTPCaller_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPCaller(nil).Call(ctx, serverAddress(srv), &model.ProxyRequest{Path: "/"})
	assert.True(t, errs.IsRetryable(err))
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/moved":
			http.Redirect(w, r, "/health", http.StatusFound)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := NewHTTPProber(nil)
	ctx := context.Background()
	assert.NoError(t, p.Probe(ctx, serverAddress(srv), "/health"))
	assert.NoError(t, p.Probe(ctx, serverAddress(srv), "/moved"))
	assert.Error(t, p.Probe(ctx, serverAddress(srv), "/down"))
}
