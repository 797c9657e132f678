// Package s2s re-exports the Site-to-Site client's public surface so
// callers can import one path instead of reaching into client/,
// transaction/, and peer/ individually.
package s2s

import (
	"github.com/myelnet/s2s/client"
	"github.com/myelnet/s2s/internal/restapi"
	"github.com/myelnet/s2s/peer"
	"github.com/myelnet/s2s/transaction"
)

// Client opens Transactions against a configured set of remote clusters.
type Client = client.Client

// Config is the client's frozen configuration.
type Config = client.Config

// RemoteClusterConfig is one configured remote cluster.
type RemoteClusterConfig = client.RemoteClusterConfig

// ProxyConfig is an optional HTTP proxy for a RemoteClusterConfig.
type ProxyConfig = client.ProxyConfig

// Credentials are optional two-way-auth user credentials.
type Credentials = restapi.Credentials

// Region is an optional, purely informational tag on a cluster's peers;
// peer selection does not consult it.
type Region = peer.Region

// Transaction drives one S2S transfer through create->send->confirm->
// commit/cancel.
type Transaction = transaction.Transaction

// TransactionResult is the immutable record emitted on a successful
// commit.
type TransactionResult = transaction.Result

// New validates cfg and constructs a Client.
func New(cfg Config) (*Client, error) {
	return client.New(cfg)
}
