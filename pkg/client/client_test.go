package client_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplane-ctl/pkg/chunk"
	"skyplane-ctl/pkg/client"
	"skyplane-ctl/pkg/cloudconfig"
	"skyplane-ctl/pkg/compute"
	"skyplane-ctl/pkg/objectstore"
	"skyplane-ctl/pkg/provision"
	"skyplane-ctl/pkg/region"
	"skyplane-ctl/pkg/topology"
)

// fakeServer/fakeCloud are minimal in-memory stand-ins, kept deliberately
// separate from pkg/provision's own test fakes since this package cannot
// import an internal test helper from another package's _test.go file.
type fakeServer struct {
	uuid      string
	regionTag string
	state     compute.ServerState
}

func (f *fakeServer) UUID() string         { return f.uuid }
func (f *fakeServer) InstanceName() string { return f.uuid }
func (f *fakeServer) Provider() string {
	t, _ := region.Parse(f.regionTag)
	return string(t.Provider)
}
func (f *fakeServer) RegionTag() string                                           { return f.regionTag }
func (f *fakeServer) PublicIP(ctx context.Context) (string, error)                { return "10.0.0.1", nil }
func (f *fakeServer) InstanceState(ctx context.Context) (compute.ServerState, error) { return f.state, nil }
func (f *fakeServer) TerminateInstance(ctx context.Context) error {
	f.state = compute.StateTerminated
	return nil
}
func (f *fakeServer) RunCommand(ctx context.Context, cmd string) (string, error)   { return "", nil }
func (f *fakeServer) DownloadFile(ctx context.Context, remote, local string) error { return nil }
func (f *fakeServer) CopyPublicKey(ctx context.Context, path string) error         { return nil }
func (f *fakeServer) InitLogFiles(ctx context.Context, dir string) error           { return nil }
func (f *fakeServer) EnableAutoShutdown(ctx context.Context) error                 { return nil }
func (f *fakeServer) StartGateway(ctx context.Context, outgoing map[string]int, image string, bbr bool) error {
	return nil
}
func (f *fakeServer) GatewayAPIURL() string { return "http://10.0.0.1:8080" }

var _ compute.Server = (*fakeServer)(nil)

type fakeCloud struct {
	minted    int
	instances []*fakeServer
}

func (f *fakeCloud) Name() string                                        { return "aws" }
func (f *fakeCloud) AuthEnabled(ctx context.Context) bool                 { return true }
func (f *fakeCloud) EnsureKeys(ctx context.Context) error                 { return nil }
func (f *fakeCloud) EnsureNetworking(ctx context.Context, s string) error { return nil }
func (f *fakeCloud) GetMatchingInstances(ctx context.Context, subregion string, filter compute.InstanceFilter) ([]compute.Server, error) {
	return nil, nil
}
func (f *fakeCloud) ProvisionInstance(ctx context.Context, subregion, class string) (compute.Server, error) {
	f.minted++
	s := &fakeServer{uuid: fmt.Sprintf("aws-%d", f.minted), regionTag: "aws:" + subregion, state: compute.StateRunning}
	f.instances = append(f.instances, s)
	return s, nil
}
func (f *fakeCloud) AuthorizeIP(ctx context.Context, subregion, ip string) error { return nil }
func (f *fakeCloud) RevokeIP(ctx context.Context, subregion, ip string) error    { return nil }

var _ compute.CloudProvider = (*fakeCloud)(nil)

// noSizeStore succeeds on every call; the job below carries no object
// sizes, so the planner itself is the one that fails (PlanError for
// missing sizes), keeping this test focused on client sequencing rather
// than planner internals.
type noSizeStore struct{}

func (noSizeStore) BucketExists(ctx context.Context, bucket string) (bool, error)  { return true, nil }
func (noSizeStore) EnsureBucket(ctx context.Context, bucket, subregion string) error { return nil }
func (noSizeStore) ListObjects(ctx context.Context, bucket, prefix string) ([]objectstore.ObjectInfo, error) {
	return nil, nil
}
func (noSizeStore) InitiateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	return "", nil
}
func (noSizeStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []objectstore.CompletedPart) error {
	return nil
}
func (noSizeStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return nil
}

var _ objectstore.ObjectStoreInterface = (noSizeStore{})

// P9 + guaranteed-cleanup: transfer_dir is created even when a later phase
// (planning) fails, and the fleet provisioned before the failure is still
// torn down.
func TestRunJob_CreatesTransferDirAndDeprovisionsOnPlanFailure(t *testing.T) {
	base := t.TempDir()
	aws := &fakeCloud{}
	providers := cloudconfig.NewProviders(map[region.Provider]compute.CloudProvider{region.AWS: aws})
	provCfg := provision.Config{
		InstanceClass: map[region.Provider]string{region.AWS: "m5.large"},
		DockerImage:   "skyplane/gateway:latest",
	}

	c := client.New(providers, provCfg, noSizeStore{}, nil, nil, base)

	node := topology.Gateway{Region: "aws:us-east-1", InstanceIndex: 0}
	topo := topology.New([]topology.Gateway{node}, []topology.Gateway{node}, []topology.Gateway{node}, nil)

	job := &chunk.ReplicationJob{
		SourceRegion: "aws:us-east-1",
		DestRegion:   "aws:us-east-1",
		SrcObjs:      []string{"a"},
		DestObjs:     []string{"a-copy"},
		// Neither ObjSizes nor RandomChunkSizeMB set: planning must fail
		// at step S2 with a PlanError.
	}

	now := time.Date(2026, 7, 29, 10, 30, 0, 0, time.UTC)
	result, err := c.RunJob(context.Background(), "run-1", job, topo, client.RunOptions{}, now)
	require.Error(t, err)
	assert.Equal(t, "error", result.Status.MonitorStatus)

	info, statErr := os.Stat(result.TransferDir)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
	assert.Equal(t, filepath.Join(base, "transfer_logs", "20260729_103000"), result.TransferDir)

	logPath := filepath.Join(result.TransferDir, "client.log")
	_, err = os.Stat(logPath)
	assert.NoError(t, err, "client.log should exist under transfer_dir")

	require.Equal(t, 1, aws.minted)
	require.Len(t, aws.instances, 1)
	assert.Equal(t, compute.StateTerminated, aws.instances[0].state, "fleet built before the plan failure must still be deprovisioned")
}
