package peer

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/myelnet/s2s/internal/restapi"
	"github.com/stretchr/testify/require"
)

type fakeDiscoverer struct {
	base  *url.URL
	peers []restapi.PeerDTO
	err   error
}

func (f *fakeDiscoverer) GetPeers(ctx context.Context) ([]restapi.PeerDTO, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.peers, nil
}

func (f *fakeDiscoverer) BaseURL() *url.URL { return f.base }

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestSelectOrdersByLoad(t *testing.T) {
	seed := mustURL(t, "http://seed:8080")
	fake := &fakeDiscoverer{base: seed, peers: []restapi.PeerDTO{
		{Hostname: "a", Port: 1, FlowFileCount: 5},
		{Hostname: "b", Port: 2, FlowFileCount: 1},
		{Hostname: "c", Port: 3, FlowFileCount: 3},
	}}
	pool := NewPool(
		[]ClusterSeed{{Seeds: []*url.URL{seed}}},
		0,
		func(*url.URL) Discoverer { return fake },
		WithRand(rand.New(rand.NewSource(1))),
	)

	pr, err := pool.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b:2", pr.Key())
}

func TestSelectDistributesAmongLowestLoadTier(t *testing.T) {
	seed := mustURL(t, "http://seed:8080")
	fake := &fakeDiscoverer{base: seed, peers: []restapi.PeerDTO{
		{Hostname: "a", Port: 1, FlowFileCount: 0},
		{Hostname: "b", Port: 2, FlowFileCount: 0},
		{Hostname: "c", Port: 3, FlowFileCount: 9},
	}}
	pool := NewPool(
		[]ClusterSeed{{Seeds: []*url.URL{seed}}},
		0,
		func(*url.URL) Discoverer { return fake },
		WithRand(rand.New(rand.NewSource(42))),
	)

	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		pr, err := pool.Select(context.Background())
		require.NoError(t, err)
		seen[pr.Key()]++
	}
	require.Greater(t, seen["a:1"], 0)
	require.Greater(t, seen["b:2"], 0)
	require.Zero(t, seen["c:3"])
}

func TestSelectSkipsPenalizedUnlessOnlyOption(t *testing.T) {
	seed := mustURL(t, "http://seed:8080")
	fake := &fakeDiscoverer{base: seed, peers: []restapi.PeerDTO{
		{Hostname: "a", Port: 1, FlowFileCount: 0},
		{Hostname: "b", Port: 2, FlowFileCount: 0},
	}}
	now := time.Now()
	pool := NewPool(
		[]ClusterSeed{{Seeds: []*url.URL{seed}}},
		0,
		func(*url.URL) Discoverer { return fake },
		WithClock(func() time.Time { return now }),
		WithPenaltyWindow(30*time.Second),
	)
	_, err := pool.Select(context.Background())
	require.NoError(t, err)

	pool.MarkFailure("a:1")
	pr, err := pool.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b:2", pr.Key())
}

func TestSelectFallsBackToPenalizedWhenAllFailed(t *testing.T) {
	seed := mustURL(t, "http://seed:8080")
	fake := &fakeDiscoverer{base: seed, peers: []restapi.PeerDTO{
		{Hostname: "a", Port: 1, FlowFileCount: 0},
	}}
	pool := NewPool(
		[]ClusterSeed{{Seeds: []*url.URL{seed}}},
		0,
		func(*url.URL) Discoverer { return fake },
	)
	_, err := pool.Select(context.Background())
	require.NoError(t, err)

	pool.MarkFailure("a:1")
	pr, err := pool.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a:1", pr.Key())
}

func TestSelectNoPeersAvailable(t *testing.T) {
	pool := NewPool(nil, 0, func(*url.URL) Discoverer { return nil })
	_, err := pool.Select(context.Background())
	require.Error(t, err)
}

func TestSubscribeReceivesDiscoveredAndFailedEvents(t *testing.T) {
	seed := mustURL(t, "http://seed:8080")
	fake := &fakeDiscoverer{base: seed, peers: []restapi.PeerDTO{
		{Hostname: "a", Port: 1, FlowFileCount: 0},
	}}
	pool := NewPool(
		[]ClusterSeed{{Seeds: []*url.URL{seed}}},
		0,
		func(*url.URL) Discoverer { return fake },
	)

	var mu sync.Mutex
	var kinds []EventKind
	pool.Subscribe(func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, evt.Kind)
	})

	_, err := pool.Select(context.Background())
	require.NoError(t, err)
	pool.MarkFailure("a:1")

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, kinds, EventDiscovered)
	require.Contains(t, kinds, EventFailed)
}

func TestRefreshKeepsPreviousSnapshotWhenEverySeedFails(t *testing.T) {
	seed := mustURL(t, "http://seed:8080")
	fake := &fakeDiscoverer{base: seed, peers: []restapi.PeerDTO{
		{Hostname: "a", Port: 1, FlowFileCount: 0},
	}}
	pool := NewPool(
		[]ClusterSeed{{Seeds: []*url.URL{seed}}},
		0,
		func(*url.URL) Discoverer { return fake },
	)
	_, err := pool.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pool.Count())

	fake.peers = nil
	fake.err = context.DeadlineExceeded
	pool.refreshAll(context.Background())
	require.Equal(t, 1, pool.Count())
}

// TestRefreshDropsPeerRemovedByServer covers the second half of scenario
// S5: a peer discovered in one refresh is no longer advertised in the
// next, and becomes unselectable once that refresh completes.
func TestRefreshDropsPeerRemovedByServer(t *testing.T) {
	seed := mustURL(t, "http://seed:8080")
	fake := &fakeDiscoverer{base: seed, peers: []restapi.PeerDTO{
		{Hostname: "a", Port: 1, FlowFileCount: 0},
		{Hostname: "b", Port: 2, FlowFileCount: 0},
	}}
	pool := NewPool(
		[]ClusterSeed{{Seeds: []*url.URL{seed}}},
		0,
		func(*url.URL) Discoverer { return fake },
	)
	_, err := pool.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, pool.Count())

	fake.peers = []restapi.PeerDTO{
		{Hostname: "b", Port: 2, FlowFileCount: 0},
	}
	pool.refreshAll(context.Background())
	require.Equal(t, 1, pool.Count())

	for i := 0; i < 20; i++ {
		pr, err := pool.Select(context.Background())
		require.NoError(t, err)
		require.Equal(t, "b:2", pr.Key(), "a:1 was removed by the server and must no longer be selectable")
	}
}
