package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// newUnstartedServer returns a server whose handler can reference the
// server's own URL (needed for the Location header on createTransaction
// and to advertise itself as its own discovered peer), started only
// once the caller has wired the handler up.
func newUnstartedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	t.Cleanup(srv.Close)
	return srv
}

// selfPeersBody builds a getPeers response that advertises the server
// itself as the only discoverable peer, so selection has something to
// hand out after the Pool's first discovery refresh replaces the seed
// fallback with whatever the server reports.
func selfPeersBody(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return fmt.Sprintf(`{"peers":[{"hostname":%q,"port":%d,"secure":false,"flowFileCount":0}]}`, host, port)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewTransactionHappyPath(t *testing.T) {
	srv := newUnstartedServer(t)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/site-to-site/peers":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(selfPeersBody(t, srv)))
		case r.Method == http.MethodPost:
			w.Header().Set("Location", srv.URL+"/tx/1")
			w.Header().Set("Server-Side-Transaction-Ttl", "60")
			w.WriteHeader(http.StatusCreated)
		}
	})
	srv.Start()

	cfg := Config{
		RemoteClusters: []RemoteClusterConfig{{Seeds: []*url.URL{mustURL(t, srv.URL)}}},
		PortID:         "port-1",
	}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	tx, err := c.NewTransaction(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tx)
}

func TestNewTransactionRetriesOn503(t *testing.T) {
	attempts := 0
	srv := newUnstartedServer(t)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/site-to-site/peers":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(selfPeersBody(t, srv)))
		case r.Method == http.MethodPost:
			attempts++
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	srv.Start()

	cfg := Config{
		RemoteClusters: []RemoteClusterConfig{{Seeds: []*url.URL{mustURL(t, srv.URL)}}},
		PortID:         "port-1",
	}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.NewTransaction(context.Background())
	require.Error(t, err)
	require.GreaterOrEqual(t, attempts, 1)
}

// twoPeersBody builds a getPeers response advertising both servers as
// discoverable peers.
func twoPeersBody(t *testing.T, a, b *httptest.Server) string {
	t.Helper()
	hostA, portA, err := net.SplitHostPort(a.Listener.Addr().String())
	require.NoError(t, err)
	hostB, portB, err := net.SplitHostPort(b.Listener.Addr().String())
	require.NoError(t, err)
	return fmt.Sprintf(
		`{"peers":[{"hostname":%q,"port":%s,"secure":false,"flowFileCount":0},{"hostname":%q,"port":%s,"secure":false,"flowFileCount":0}]}`,
		hostA, portA, hostB, portB,
	)
}

// TestNewTransactionFailsOverToSecondPeer covers scenario S3: two
// healthy peers, the peer picked first 503s on createTransaction, the
// Pool marks it failed, and the Facade retries against the other peer,
// which succeeds.
func TestNewTransactionFailsOverToSecondPeer(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	var srv1, srv2 *httptest.Server
	newHandler := func(self *httptest.Server, isSeed bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			switch {
			case isSeed && r.URL.Path == "/site-to-site/peers":
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(twoPeersBody(t, srv1, srv2)))
			case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/transactions"):
				mu.Lock()
				calls++
				n := calls
				mu.Unlock()
				if n == 1 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				w.Header().Set("Location", self.URL+"/tx/1")
				w.Header().Set("Server-Side-Transaction-Ttl", "60")
				w.WriteHeader(http.StatusCreated)
			}
		}
	}

	srv1 = newUnstartedServer(t)
	srv2 = newUnstartedServer(t)
	srv1.Config.Handler = newHandler(srv1, true)
	srv2.Config.Handler = newHandler(srv2, false)
	srv1.Start()
	srv2.Start()

	cfg := Config{
		RemoteClusters: []RemoteClusterConfig{{Seeds: []*url.URL{mustURL(t, srv1.URL)}}},
		PortID:         "port-1",
	}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	tx, err := c.NewTransaction(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls, "first attempt 503s, the Pool marks that peer failed, the Facade retries the other peer")
}

func TestNewTransactionResolvesPortName(t *testing.T) {
	srv := newUnstartedServer(t)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/site-to-site/peers":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(selfPeersBody(t, srv)))
		case r.URL.Path == "/site-to-site":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"inputPorts":[{"id":"abc123","name":"my-port"}]}`))
		case r.Method == http.MethodPost:
			w.Header().Set("Location", srv.URL+"/tx/1")
			w.Header().Set("Server-Side-Transaction-Ttl", "60")
			w.WriteHeader(http.StatusCreated)
		}
	})
	srv.Start()

	cfg := Config{
		RemoteClusters: []RemoteClusterConfig{{Seeds: []*url.URL{mustURL(t, srv.URL)}}},
		PortName:       "my-port",
	}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	tx, err := c.NewTransaction(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tx)
}
