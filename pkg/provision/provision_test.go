package provision_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplane-ctl/pkg/cloudconfig"
	"skyplane-ctl/pkg/compute"
	"skyplane-ctl/pkg/logx"
	"skyplane-ctl/pkg/provision"
	"skyplane-ctl/pkg/region"
	"skyplane-ctl/pkg/topology"
)

// fakeServer is an in-memory compute.Server for provisioner tests: no
// network calls, state transitions driven entirely in-process.
type fakeServer struct {
	mu           sync.Mutex
	uuid         string
	regionTag    string
	state        compute.ServerState
	terminations int32
}

func (f *fakeServer) UUID() string         { return f.uuid }
func (f *fakeServer) InstanceName() string { return f.uuid }
func (f *fakeServer) Provider() string {
	t, _ := region.Parse(f.regionTag)
	return string(t.Provider)
}
func (f *fakeServer) RegionTag() string { return f.regionTag }

func (f *fakeServer) PublicIP(ctx context.Context) (string, error) { return "10.0.0.1", nil }

func (f *fakeServer) InstanceState(ctx context.Context) (compute.ServerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeServer) TerminateInstance(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = compute.StateTerminated
	atomic.AddInt32(&f.terminations, 1)
	return nil
}

func (f *fakeServer) RunCommand(ctx context.Context, cmd string) (string, error) { return "", nil }
func (f *fakeServer) DownloadFile(ctx context.Context, remote, local string) error { return nil }
func (f *fakeServer) CopyPublicKey(ctx context.Context, path string) error         { return nil }
func (f *fakeServer) InitLogFiles(ctx context.Context, dir string) error           { return nil }
func (f *fakeServer) EnableAutoShutdown(ctx context.Context) error                 { return nil }
func (f *fakeServer) StartGateway(ctx context.Context, outgoing map[string]int, image string, bbr bool) error {
	return nil
}
func (f *fakeServer) GatewayAPIURL() string { return "http://10.0.0.1:8080" }

var _ compute.Server = (*fakeServer)(nil)

// fakeCloud is an in-memory compute.CloudProvider: ProvisionInstance mints
// a fresh fakeServer per call, GetMatchingInstances reports whatever the
// test put in existing (none unless set), and every setup call is a no-op
// success.
type fakeCloud struct {
	name     region.Provider
	mu       sync.Mutex
	minted   int
	existing []compute.Server
}

func (f *fakeCloud) Name() string                                      { return string(f.name) }
func (f *fakeCloud) AuthEnabled(ctx context.Context) bool               { return true }
func (f *fakeCloud) EnsureKeys(ctx context.Context) error               { return nil }
func (f *fakeCloud) EnsureNetworking(ctx context.Context, s string) error { return nil }

func (f *fakeCloud) GetMatchingInstances(ctx context.Context, subregion string, filter compute.InstanceFilter) ([]compute.Server, error) {
	return f.existing, nil
}

func (f *fakeCloud) ProvisionInstance(ctx context.Context, subregion, class string) (compute.Server, error) {
	f.mu.Lock()
	f.minted++
	n := f.minted
	f.mu.Unlock()
	return &fakeServer{
		uuid:      fmt.Sprintf("%s-%s-%d", f.name, subregion, n),
		regionTag: fmt.Sprintf("%s:%s", f.name, subregion),
		state:     compute.StateRunning,
	}, nil
}

func (f *fakeCloud) AuthorizeIP(ctx context.Context, subregion, ip string) error { return nil }
func (f *fakeCloud) RevokeIP(ctx context.Context, subregion, ip string) error    { return nil }

var _ compute.CloudProvider = (*fakeCloud)(nil)

func newTestProvisioner(aws *fakeCloud) *provision.Provisioner {
	providers := cloudconfig.NewProviders(map[region.Provider]compute.CloudProvider{
		region.AWS: aws,
	})
	cfg := provision.Config{
		InstanceClass: map[region.Provider]string{region.AWS: "m5.large"},
		DockerImage:   "skyplane/gateway:latest",
	}
	return provision.New(providers, cfg, logx.New())
}

func singleNodeTopology() *topology.Topology {
	node := topology.Gateway{Region: "aws:us-east-1", InstanceIndex: 0}
	return topology.New([]topology.Gateway{node}, []topology.Gateway{node}, []topology.Gateway{node}, nil)
}

// P8: after a successful ProvisionGateways, every topology node is a key in
// bound_nodes and its Server's InstanceState is RUNNING.
func TestProvisionGateways_BindsEveryNodeRunning(t *testing.T) {
	aws := &fakeCloud{name: region.AWS}
	p := newTestProvisioner(aws)
	topo := singleNodeTopology()

	fleet, err := p.ProvisionGateways(context.Background(), topo, provision.Options{})
	require.NoError(t, err)

	bound := fleet.BoundNodes()
	for _, node := range topo.GatewayNodes() {
		server, ok := bound[node]
		require.True(t, ok, "node %v not bound", node)
		state, err := server.InstanceState(context.Background())
		require.NoError(t, err)
		assert.Equal(t, compute.StateRunning, state)
	}
}

// P7: deprovisioning twice in a row is observationally equivalent to once.
func TestDeprovisionGateways_IdempotentOnRepeatedCalls(t *testing.T) {
	aws := &fakeCloud{name: region.AWS}
	p := newTestProvisioner(aws)
	topo := singleNodeTopology()

	fleet, err := p.ProvisionGateways(context.Background(), topo, provision.Options{})
	require.NoError(t, err)

	require.NoError(t, p.DeprovisionGateways(context.Background(), fleet))
	firstBound := fleet.BoundNodes()
	for _, s := range firstBound {
		state, _ := s.InstanceState(context.Background())
		assert.Equal(t, compute.StateTerminated, state)
	}

	// Second call must not error, and must not re-terminate or otherwise
	// change already-terminated servers.
	require.NoError(t, p.DeprovisionGateways(context.Background(), fleet))
	for _, s := range firstBound {
		fs := s.(*fakeServer)
		assert.Equal(t, int32(1), atomic.LoadInt32(&fs.terminations))
	}
}

// I5: deprovisioning a never-provisioned (empty) fleet must not raise.
func TestDeprovisionGateways_SafeOnEmptyFleet(t *testing.T) {
	aws := &fakeCloud{name: region.AWS}
	p := newTestProvisioner(aws)
	assert.NoError(t, p.DeprovisionGateways(context.Background(), provision.NewFleet()))
	assert.NoError(t, p.DeprovisionGateways(context.Background(), nil))
}

// Scenario C: reuse with surplus — demand is 2, 3 matching instances exist.
func TestProvisionGateways_ReuseWithSurplus(t *testing.T) {
	aws := &fakeCloud{name: region.AWS}
	for i := 0; i < 3; i++ {
		aws.existing = append(aws.existing, &fakeServer{
			uuid:      fmt.Sprintf("reused-%d", i),
			regionTag: "aws:us-east-1",
			state:     compute.StateRunning,
		})
	}
	p := newTestProvisioner(aws)

	nodeA := topology.Gateway{Region: "aws:us-east-1", InstanceIndex: 0}
	nodeB := topology.Gateway{Region: "aws:us-east-1", InstanceIndex: 1}
	topo := topology.New([]topology.Gateway{nodeA, nodeB}, []topology.Gateway{nodeA}, []topology.Gateway{nodeB}, nil)

	fleet, err := p.ProvisionGateways(context.Background(), topo, provision.Options{Reuse: true})
	require.NoError(t, err)
	assert.Equal(t, 0, aws.minted, "no new instances should have been provisioned")

	bound := fleet.BoundNodes()
	assert.Len(t, bound, 2)

	require.NoError(t, p.DeprovisionGateways(context.Background(), fleet))
	terminated := 0
	for _, s := range aws.existing {
		state, _ := s.InstanceState(context.Background())
		if state == compute.StateTerminated {
			terminated++
		}
	}
	assert.Equal(t, 3, terminated, "all 3 reused instances (2 bound + 1 surplus) must be terminated")
}
