package leader

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/orchestrator"
	"github.com/go-mysql-org/go-mysql-failover/poll"
	"github.com/go-mysql-org/go-mysql-failover/probe"
	"github.com/go-mysql-org/go-mysql-failover/test_util/fakecluster"
)

type fixture struct {
	cluster  *fakecluster.Cluster
	resolver *Resolver
	seeds    []endpoint.NodeRef
}

func newFixture(t *testing.T, hidden ...string) *fixture {
	t.Helper()
	c := fakecluster.New("mysql-1", "mysql-2", "mysql-3")
	srv := httptest.NewServer(c.Orchestrator(hidden...))
	t.Cleanup(srv.Close)

	oc, err := orchestrator.NewClient(orchestrator.Config{URL: srv.URL + "/api", RequestTimeout: time.Second}, nil)
	require.NoError(t, err)

	var seeds []endpoint.NodeRef
	for _, name := range c.Names() {
		seeds = append(seeds, c.Ref(name))
	}
	return &fixture{
		cluster:  c,
		resolver: NewResolver(oc, 10*time.Millisecond, nil),
		seeds:    seeds,
	}
}

func TestResolveAgreed(t *testing.T) {
	f := newFixture(t)
	p, err := f.resolver.Resolve(context.Background(), f.seeds)
	require.NoError(t, err)
	require.True(t, p.Same(f.cluster.Ref("mysql-1")))
}

func TestResolveWithoutMasterEndpoint(t *testing.T) {
	f := newFixture(t, "master")
	p, err := f.resolver.Resolve(context.Background(), f.seeds)
	require.NoError(t, err)
	require.True(t, p.Same(f.cluster.Ref("mysql-1")))
}

func TestResolveDisagreementNeverAnswers(t *testing.T) {
	f := newFixture(t)
	f.cluster.SetView("mysql-3", "mysql-2")

	_, err := f.resolver.Resolve(context.Background(), f.seeds)
	require.Equal(t, ErrNotConverged, errors.Cause(err))

	re, ok := err.(*ResolveError)
	require.True(t, ok)
	require.Len(t, re.Observations, 3)

	_, err = f.resolver.WaitForPrimary(context.Background(), f.seeds, 100*time.Millisecond)
	require.True(t, poll.IsTimeout(err))
	require.Equal(t, ErrNotConverged, errors.Cause(err.(*poll.TimeoutError).LastErr))
}

func TestResolveTwoWritableNodes(t *testing.T) {
	f := newFixture(t)
	_, err := f.cluster.Execute(context.Background(), f.cluster.Endpoint("mysql-2"),
		probe.Query("", "SET GLOBAL read_only = 0"))
	require.NoError(t, err)

	_, err = f.resolver.Resolve(context.Background(), f.seeds)
	require.Equal(t, ErrNotConverged, errors.Cause(err))
	require.Len(t, err.(*ResolveError).Writable, 2)
}

func TestResolveIgnoresDeadSeed(t *testing.T) {
	f := newFixture(t)
	f.cluster.Kill("mysql-3")

	p, err := f.resolver.Resolve(context.Background(), f.seeds)
	require.NoError(t, err)
	require.True(t, p.Same(f.cluster.Ref("mysql-1")))
}

func TestResolveNoAnswer(t *testing.T) {
	f := newFixture(t)
	for _, name := range f.cluster.Names() {
		f.cluster.Kill(name)
	}

	_, err := f.resolver.Resolve(context.Background(), f.seeds)
	require.Equal(t, ErrNoAnswer, errors.Cause(err))
}

func TestWaitForChange(t *testing.T) {
	f := newFixture(t)
	old := f.cluster.Ref("mysql-1")
	f.cluster.Kill("mysql-1")
	time.AfterFunc(50*time.Millisecond, func() { f.cluster.Promote("mysql-2") })

	p, err := f.resolver.WaitForChange(context.Background(), f.seeds, old, 10*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	require.True(t, p.Same(f.cluster.Ref("mysql-2")))
}

func TestWaitForChangeTimeout(t *testing.T) {
	f := newFixture(t)
	old := f.cluster.Ref("mysql-1")
	f.cluster.Kill("mysql-1")

	_, err := f.resolver.WaitForChange(context.Background(), f.seeds, old, 10*time.Millisecond, 100*time.Millisecond)
	require.True(t, poll.IsTimeout(err))
	require.Contains(t, err.(*poll.TimeoutError).LastState, "still")
}

func TestWaitForChangeSkipsOldSeed(t *testing.T) {
	f := newFixture(t)
	old := f.cluster.Ref("mysql-1")
	f.cluster.Promote("mysql-2")
	// the old primary still claims to be primary
	f.cluster.SetView("mysql-1", "mysql-1")

	p, err := f.resolver.WaitForChange(context.Background(), f.seeds, old, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.True(t, p.Same(f.cluster.Ref("mysql-2")))
}

func TestResolveNoAnswerWithEmptyTopology(t *testing.T) {
	f := newFixture(t, "master")
	for _, name := range f.cluster.Names() {
		f.cluster.Kill(name)
	}

	_, err := f.resolver.Resolve(context.Background(), f.seeds)
	require.Equal(t, ErrNoAnswer, errors.Cause(err))
	require.Len(t, err.(*ResolveError).Observations, 3)
}

// scriptedFinder answers from fixed tables. Once calls reaches blockAfter,
// PrimaryOf blocks until its context ends.
type scriptedFinder struct {
	mu         sync.Mutex
	calls      int
	blockAfter int

	primaries map[string]string
	topology  *orchestrator.TopologySnapshot
	topoErr   error
}

func (f *scriptedFinder) PrimaryOf(ctx context.Context, ref endpoint.NodeRef) (endpoint.NodeRef, error) {
	f.mu.Lock()
	f.calls++
	block := f.blockAfter > 0 && f.calls > f.blockAfter
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return endpoint.NodeRef{}, ctx.Err()
	}
	return endpoint.MustParseNodeRef(f.primaries[ref.Name] + ":3306"), nil
}

func (f *scriptedFinder) Topology(context.Context, endpoint.NodeRef) (*orchestrator.TopologySnapshot, error) {
	return f.topology, f.topoErr
}

func scriptedSeeds() []endpoint.NodeRef {
	return []endpoint.NodeRef{
		endpoint.MustParseNodeRef("mysql-1:3306"),
		endpoint.MustParseNodeRef("mysql-2:3306"),
		endpoint.MustParseNodeRef("mysql-3:3306"),
	}
}

func agreeingOnFirst() map[string]string {
	return map[string]string{"mysql-1": "mysql-1", "mysql-2": "mysql-1", "mysql-3": "mysql-1"}
}

func TestResolveZeroWritableIsNotConverged(t *testing.T) {
	f := &scriptedFinder{primaries: agreeingOnFirst(), topology: &orchestrator.TopologySnapshot{}}
	r := NewResolver(f, 10*time.Millisecond, nil)

	_, err := r.Resolve(context.Background(), scriptedSeeds())
	require.Equal(t, ErrNotConverged, errors.Cause(err))
	require.Empty(t, err.(*ResolveError).Writable)
}

func TestResolveTopologyErrors(t *testing.T) {
	f := &scriptedFinder{primaries: agreeingOnFirst(), topoErr: orchestrator.ErrUnsupported}
	r := NewResolver(f, 10*time.Millisecond, nil)

	p, err := r.Resolve(context.Background(), scriptedSeeds())
	require.NoError(t, err)
	require.Equal(t, "mysql-1", p.Name)

	f.topoErr = &orchestrator.RequestError{Path: "topology/mysql-1/3306", Status: 500, Body: "boom"}
	_, err = r.Resolve(context.Background(), scriptedSeeds())
	require.Equal(t, ErrNotConverged, errors.Cause(err))
	require.Contains(t, err.Error(), "HTTP 500")
}

func TestWaitForPrimaryKeepsLastCompleteSweep(t *testing.T) {
	f := &scriptedFinder{
		primaries:  map[string]string{"mysql-1": "mysql-1", "mysql-2": "mysql-1", "mysql-3": "mysql-2"},
		blockAfter: 3,
	}
	r := NewResolver(f, 10*time.Millisecond, nil)

	_, err := r.WaitForPrimary(context.Background(), scriptedSeeds(), 100*time.Millisecond)
	require.True(t, poll.IsTimeout(err))

	last := err.(*poll.TimeoutError).LastErr
	require.Equal(t, ErrNotConverged, errors.Cause(last))
	require.Len(t, last.(*ResolveError).Observations, 3)
}
