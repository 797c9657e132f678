package client

import (
	"net/http"
	"net/url"
	"time"

	"github.com/myelnet/s2s/internal/restapi"
	"github.com/myelnet/s2s/internal/s2serr"
	"github.com/myelnet/s2s/peer"
)

// ProxyConfig is an optional HTTP proxy with optional Basic credentials.
type ProxyConfig struct {
	URL      *url.URL
	Username string
	Password string
}

// RemoteClusterConfig is one configured remote cluster: a set of seed
// URLs, an optional proxy, optional two-way-auth credentials, and an
// optional region tag that is recorded on the cluster's peers; peer
// selection does not consult it.
type RemoteClusterConfig struct {
	Seeds       []*url.URL
	Proxy       *ProxyConfig
	Credentials *restapi.Credentials
	Region      peer.Region

	// Transport, if non-nil, overrides the *http.Transport this cluster's
	// adapters build their *http.Client from (dialer timeouts, TLS config,
	// connection pool limits). Left to the caller to configure.
	Transport *http.Transport
}

func (c RemoteClusterConfig) validate() error {
	if len(c.Seeds) == 0 {
		return s2serr.New("config", s2serr.KindConfig, errEmptySeeds)
	}
	seen := map[string]bool{}
	for _, u := range c.Seeds {
		if u == nil || u.Scheme == "" || u.Host == "" {
			return s2serr.New("config", s2serr.KindConfig, errInvalidSeedURL)
		}
		key := u.Scheme + "://" + u.Host
		if seen[key] {
			return s2serr.New("config", s2serr.KindConfig, errDuplicateSeed)
		}
		seen[key] = true
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

const (
	errEmptySeeds      = configError("s2s: remote cluster config has no seed URLs")
	errInvalidSeedURL  = configError("s2s: seed URL missing scheme or host")
	errDuplicateSeed   = configError("s2s: duplicate seed URL by scheme+host")
	errNoRemoteCluster = configError("s2s: client config has no remote clusters")
	errPortNotSet      = configError("s2s: exactly one of PortID or PortName must be set")
	errBothPortSet     = configError("s2s: exactly one of PortID or PortName must be set")
	errNegativeUpdate  = configError("s2s: peerUpdateInterval must be >= 0")
)

// Config is the client's frozen configuration: an ordered list of
// remote clusters, exactly one of PortID/PortName, and the periodic
// peer-refresh interval (0 disables periodic refresh; first discovery
// still happens lazily on first use).
type Config struct {
	RemoteClusters     []RemoteClusterConfig
	PortID             string
	PortName           string
	PeerUpdateInterval time.Duration
}

func (c Config) validate() error {
	if len(c.RemoteClusters) == 0 {
		return s2serr.New("config", s2serr.KindConfig, errNoRemoteCluster)
	}
	for _, rc := range c.RemoteClusters {
		if err := rc.validate(); err != nil {
			return err
		}
	}
	if c.PortID == "" && c.PortName == "" {
		return s2serr.New("config", s2serr.KindConfig, errPortNotSet)
	}
	if c.PortID != "" && c.PortName != "" {
		return s2serr.New("config", s2serr.KindConfig, errBothPortSet)
	}
	if c.PeerUpdateInterval < 0 {
		return s2serr.New("config", s2serr.KindConfig, errNegativeUpdate)
	}
	return nil
}
