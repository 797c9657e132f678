// Package client is the Client Facade: resolves a frozen Config into a
// Pool, mints Transactions against a selected peer, and retries
// createTransaction across peers on transient failure.
package client

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/myelnet/s2s/internal/restapi"
	"github.com/myelnet/s2s/internal/s2serr"
	"github.com/myelnet/s2s/peer"
	"github.com/myelnet/s2s/transaction"
)

// Client is the public entry point: construct one from a Config, call
// NewTransaction per transfer, Close when done.
type Client struct {
	cfg  Config
	pool *peer.Pool

	portOnce sync.Once
	portID   string
	portErr  error

	cancel context.CancelFunc
}

// New validates cfg and constructs a Client. The background peer-refresh
// worker is started immediately (Config.PeerUpdateInterval == 0 disables
// periodic refresh; first discovery still happens lazily on first use).
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	seeds := make([]peer.ClusterSeed, len(cfg.RemoteClusters))
	for i, rc := range cfg.RemoteClusters {
		seeds[i] = peer.ClusterSeed{Seeds: rc.Seeds, Region: rc.Region}
	}

	c := &Client{cfg: cfg, portID: cfg.PortID}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.pool = peer.NewPool(seeds, cfg.PeerUpdateInterval, c.discovererFor)
	c.pool.Run(ctx)

	return c, nil
}

// discovererFor builds a Discoverer (a REST Adapter, narrowed) bound to
// a discovery seed URL, using whichever cluster config that seed belongs
// to for proxy/transport/credentials. The Pool only ever calls this with
// a URL drawn from cfg.RemoteClusters, so the lookup always succeeds;
// falling back to the first cluster's settings is a defensive no-op.
func (c *Client) discovererFor(seed *url.URL) peer.Discoverer {
	rc := c.clusterForSeed(seed)
	return restapi.NewAdapter(seed, c.httpClientFor(rc), rc.Credentials)
}

func (c *Client) clusterForSeed(seed *url.URL) RemoteClusterConfig {
	for _, rc := range c.cfg.RemoteClusters {
		for _, s := range rc.Seeds {
			if s.String() == seed.String() {
				return rc
			}
		}
	}
	return c.cfg.RemoteClusters[0]
}

func (c *Client) httpClientFor(rc RemoteClusterConfig) *http.Client {
	transport := rc.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	if rc.Proxy != nil {
		proxyURL := rc.Proxy.URL
		if rc.Proxy.Username != "" {
			withUser := *proxyURL
			withUser.User = url.UserPassword(rc.Proxy.Username, rc.Proxy.Password)
			proxyURL = &withUser
		}
		transport = transport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport}
}

// adapterForPeer rebuilds a REST Adapter bound to pr's base URL, using
// the cluster config pr was discovered under.
func (c *Client) adapterForPeer(pr *peer.Peer) *restapi.Adapter {
	rc := c.cfg.RemoteClusters[pr.ClusterIndex]
	return restapi.NewAdapter(pr.URL, c.httpClientFor(rc), rc.Credentials)
}

// resolvePortID resolves Config.PortName to a portId via any healthy
// peer, caching the result for the Client's lifetime.
func (c *Client) resolvePortID(ctx context.Context) (string, error) {
	c.portOnce.Do(func() {
		if c.cfg.PortID != "" {
			c.portID = c.cfg.PortID
			return
		}
		pr, err := c.pool.Select(ctx)
		if err != nil {
			c.portErr = err
			return
		}
		adapter := c.adapterForPeer(pr)
		id, err := adapter.GetPortIdForName(ctx, c.cfg.PortName)
		if err != nil {
			c.portErr = err
			return
		}
		c.portID = id
	})
	return c.portID, c.portErr
}

// maxAttempts caps the retry budget for createTransaction at
// min(peersAvailable, 3).
func (c *Client) maxAttempts() int {
	n := c.pool.Count()
	if n > 3 {
		return 3
	}
	if n < 1 {
		return 1
	}
	return n
}

// NewTransaction selects a peer, opens a server-side transaction against
// the resolved port, and returns a Transaction ready for SendData. On a
// 503 or transport error it marks the peer failed and retries with the
// next peer, up to min(peersAvailable, 3) attempts.
func (c *Client) NewTransaction(ctx context.Context) (*transaction.Transaction, error) {
	portID, err := c.resolvePortID(ctx)
	if err != nil {
		return nil, err
	}

	// resolvePortID may have taken the PortID-is-already-set path, which
	// never triggers discovery; force it now so maxAttempts sees the
	// real peer count instead of the pre-discovery seed fallback.
	c.pool.EnsureDiscovered(ctx)
	attempts := c.maxAttempts()
	var lastErr error
	for i := 0; i < attempts; i++ {
		pr, err := c.pool.Select(ctx)
		if err != nil {
			return nil, err
		}

		adapter := c.adapterForPeer(pr)
		resource, err := adapter.CreateTransaction(ctx, portID)
		if err != nil {
			lastErr = err
			if retryable(err) {
				c.pool.MarkFailure(pr.Key())
				continue
			}
			return nil, err
		}

		return transaction.New(ctx, adapter, resource, portID, pr), nil
	}
	if lastErr == nil {
		lastErr = s2serr.New("newTransaction", s2serr.KindNoPeersAvailable, nil)
	}
	return nil, lastErr
}

// retryable reports whether a createTransaction failure should be
// retried against the next peer: a 503 (no valid peer for this port, on
// this particular peer) or a transport-level failure. Any other HTTP
// status is a real protocol problem and is returned to the caller
// immediately.
func retryable(err error) bool {
	return s2serr.Is(err, s2serr.KindNoPeersAvailable) || s2serr.Is(err, s2serr.KindTransport)
}

// Close stops the background peer-refresh worker.
func (c *Client) Close() {
	c.pool.Close()
	c.cancel()
}
