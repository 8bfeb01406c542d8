package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// RunHTTPServer starts a test server for the registered routes. It is shut
// down when the test completes.
func RunHTTPServer(t *testing.T, opts ...ServerOption) *httptest.Server {
	var o serverOpts
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	for _, m := range o.middlewares {
		r.Use(m)
	}
	for _, register := range o.registrants {
		register(r)
	}

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return server
}

// DialWebsocket opens a websocket to path on server and returns it with the
// handshake response headers. The connection is closed when the test
// completes.
func DialWebsocket(t *testing.T, server *httptest.Server, path string) (*websocket.Conn, http.Header) {
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var header http.Header
	if resp != nil {
		header = resp.Header
		if resp.Body != nil {
			resp.Body.Close()
		}
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn, header
}

type serverOpts struct {
	middlewares []func(http.Handler) http.Handler
	registrants []func(chi.Router)
}

// ServerOption configures the settings when creating a test server.
type ServerOption func(o *serverOpts)

// WithMiddleware adds a middleware in front of every route.
func WithMiddleware(m func(http.Handler) http.Handler) ServerOption {
	return func(o *serverOpts) {
		o.middlewares = append(o.middlewares, m)
	}
}

// WithRoutes registers a function to be called in order to mount routes.
func WithRoutes(f func(chi.Router)) ServerOption {
	return func(o *serverOpts) {
		o.registrants = append(o.registrants, f)
	}
}
