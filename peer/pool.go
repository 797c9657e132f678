package peer

import (
	"context"
	"math/rand"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/myelnet/s2s/internal/restapi"
	"github.com/myelnet/s2s/internal/s2serr"
	"github.com/rs/zerolog/log"
)

// DefaultPenaltyWindow is the duration a failed peer is de-prioritized
// for before becoming selectable again.
const DefaultPenaltyWindow = 30 * time.Second

// Discoverer is the narrow capability the Pool needs to refresh a
// cluster's peer set: one REST call against a seed's base URL. Satisfied
// by *restapi.Adapter; narrowed here so the pool never depends on the
// rest of the Adapter's surface.
type Discoverer interface {
	GetPeers(ctx context.Context) ([]restapi.PeerDTO, error)
	BaseURL() *url.URL
}

// DiscovererFor builds the Discoverer bound to a seed URL. The Facade
// supplies this so the Pool never constructs HTTP clients itself.
type DiscovererFor func(seed *url.URL) Discoverer

// cluster is one configured remote cluster's discovery state.
type cluster struct {
	index  int
	seeds  []*url.URL
	region Region

	peers       map[string]*Peer // keyed by Peer.Key()
	lastRefresh time.Time
	everRefresh bool
}

// Pool is the working set of peers across every configured cluster, and
// implements load-based peer selection with failure backoff. Safe for
// concurrent use.
type Pool struct {
	mu                sync.Mutex
	clusters          []*cluster
	penaltyWindow     time.Duration
	peerUpdateInterval time.Duration
	rng               *rand.Rand
	discovererFor     DiscovererFor
	now               func() time.Time
	events            *events

	stop     chan struct{}
	stopOnce sync.Once
}

// Option customizes a Pool at construction. Tests use WithRand and
// WithClock to make selection and refresh deterministic.
type Option func(*Pool)

// WithRand injects a deterministic random source, for reproducible
// tie-break selection in tests.
func WithRand(r *rand.Rand) Option {
	return func(p *Pool) { p.rng = r }
}

// WithPenaltyWindow overrides DefaultPenaltyWindow.
func WithPenaltyWindow(d time.Duration) Option {
	return func(p *Pool) { p.penaltyWindow = d }
}

// WithClock injects a deterministic time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// ClusterSeed is one configured remote cluster's seed list, as the
// Facade assembles from ClientConfig.
type ClusterSeed struct {
	Seeds  []*url.URL
	Region Region
}

// NewPool builds a Pool over the given clusters. peerUpdateInterval of 0
// disables periodic background refresh; discovery still happens lazily
// on first selection.
func NewPool(clusters []ClusterSeed, peerUpdateInterval time.Duration, discovererFor DiscovererFor, opts ...Option) *Pool {
	p := &Pool{
		penaltyWindow:      DefaultPenaltyWindow,
		peerUpdateInterval: peerUpdateInterval,
		rng:                rand.New(rand.NewSource(1)),
		discovererFor:      discovererFor,
		now:                time.Now,
		events:             newEvents(),
		stop:               make(chan struct{}),
	}
	for i, cs := range clusters {
		c := &cluster{index: i, seeds: cs.Seeds, region: cs.Region, peers: map[string]*Peer{}}
		for _, s := range cs.Seeds {
			sp := newPeer(s, s.Hostname(), portOf(s), s.Scheme == "https", 0, cs.Region, i)
			c.peers[sp.Key()] = sp
		}
		p.clusters = append(p.clusters, c)
	}
	return p
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// Run starts the background refresh worker honoring peerUpdateInterval.
// Safe to call at most once per Pool; the worker exits on Close.
func (p *Pool) Run(ctx context.Context) {
	if p.peerUpdateInterval <= 0 {
		return
	}
	go func(interval time.Duration, stop chan struct{}) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				p.refreshAll(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}(p.peerUpdateInterval, p.stop)
}

// Close stops the background refresh worker, if running.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) refreshAll(ctx context.Context) {
	p.mu.Lock()
	clusters := append([]*cluster(nil), p.clusters...)
	p.mu.Unlock()

	for _, c := range clusters {
		p.refreshCluster(ctx, c)
	}
}

// refreshCluster picks one healthy seed and replaces the cluster's known
// peer set; if every seed fails, the previous snapshot is kept.
func (p *Pool) refreshCluster(ctx context.Context, c *cluster) {
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
	var lastErr error
	for _, seed := range c.seeds {
		d := p.discovererFor(seed)
		dtos, err := d.GetPeers(ctx)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("seed", seed.String()).Msg("s2s peer discovery seed failed")
			time.Sleep(b.Duration())
			continue
		}

		p.mu.Lock()
		fresh := make(map[string]*Peer, len(dtos))
		for _, dto := range dtos {
			np := newPeer(seed, dto.Hostname, dto.Port, dto.Secure, dto.FlowFileCount, c.region, c.index)
			if old, ok := c.peers[np.Key()]; ok {
				np.LastFailure = old.LastFailure
			}
			fresh[np.Key()] = np
		}
		var discovered, lost []string
		for k := range fresh {
			if _, ok := c.peers[k]; !ok {
				discovered = append(discovered, k)
			}
		}
		for k := range c.peers {
			if _, ok := fresh[k]; !ok {
				lost = append(lost, k)
			}
		}
		c.peers = fresh
		c.lastRefresh = p.now()
		c.everRefresh = true
		p.mu.Unlock()

		for _, k := range discovered {
			p.publish(Event{Cluster: c.index, Peer: k, Kind: EventDiscovered})
		}
		for _, k := range lost {
			p.publish(Event{Cluster: c.index, Peer: k, Kind: EventLost})
		}
		return
	}
	if lastErr != nil {
		log.Error().Err(lastErr).Msg("s2s peer discovery failed for every seed in cluster")
	}
}

// EnsureDiscovered triggers a synchronous first discovery for any
// cluster that has never been refreshed, regardless of the periodic
// refresh interval. Select calls this internally; exported so callers
// needing an accurate Count() before selecting (to size a retry budget)
// can force it first.
func (p *Pool) EnsureDiscovered(ctx context.Context) {
	p.ensureDiscovered(ctx)
}

func (p *Pool) ensureDiscovered(ctx context.Context) {
	p.mu.Lock()
	var pending []*cluster
	for _, c := range p.clusters {
		if !c.everRefresh {
			pending = append(pending, c)
		}
	}
	p.mu.Unlock()

	for _, c := range pending {
		p.refreshCluster(ctx, c)
	}
}

// Select gathers every known peer, splits healthy from penalized, orders
// by load then recency then URL, and randomizes among the lowest-load
// tier. Returns s2serr(KindNoPeersAvailable) if no candidate exists.
func (p *Pool) Select(ctx context.Context) (*Peer, error) {
	p.ensureDiscovered(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	var all []*Peer
	for _, c := range p.clusters {
		for _, pr := range c.peers {
			all = append(all, pr)
		}
	}
	now := p.now()
	window := p.penaltyWindow

	if len(all) == 0 {
		return nil, s2serr.New("selectPeer", s2serr.KindNoPeersAvailable, nil)
	}

	var healthy, penalized []*Peer
	for _, pr := range all {
		if pr.Penalized(now, window) {
			penalized = append(penalized, pr)
		} else {
			healthy = append(healthy, pr)
		}
	}

	pool := healthy
	if len(pool) == 0 {
		pool = penalized
	}
	if len(pool) == 0 {
		return nil, s2serr.New("selectPeer", s2serr.KindNoPeersAvailable, nil)
	}

	// Sort and tier while still holding p.mu: these read the same
	// FlowFileCount/LastFailure fields MarkFailure mutates, so the whole
	// partition/sort/tier/pick sequence must stay serialized against it.
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.FlowFileCount != b.FlowFileCount {
			return a.FlowFileCount < b.FlowFileCount
		}
		if !a.LastFailure.Equal(b.LastFailure) {
			return a.LastFailure.Before(b.LastFailure)
		}
		return a.URL.String() < b.URL.String()
	})

	lowest := pool[0].FlowFileCount
	tierEnd := 1
	for tierEnd < len(pool) && pool[tierEnd].FlowFileCount == lowest {
		tierEnd++
	}

	idx := p.rng.Intn(tierEnd)
	return pool[idx], nil
}

// MarkFailure records a failure against the peer identified by key,
// across whichever cluster currently holds it.
func (p *Pool) MarkFailure(key string) {
	p.mu.Lock()
	now := p.now()
	markedIn := -1
	for _, c := range p.clusters {
		if pr, ok := c.peers[key]; ok {
			pr.MarkFailure(now)
			markedIn = c.index
		}
	}
	p.mu.Unlock()

	if markedIn >= 0 {
		p.publish(Event{Cluster: markedIn, Peer: key, Kind: EventFailed})
	}
}

// Count returns the number of known peers across all clusters, used by
// the Facade to bound its retry count (min(peersAvailable, 3)).
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clusters {
		n += len(c.peers)
	}
	return n
}
