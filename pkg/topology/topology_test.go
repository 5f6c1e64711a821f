package topology_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"skyplane-ctl/pkg/topology"
)

func awsNode(i int) topology.Gateway  { return topology.Gateway{Region: "aws:us-east-1", InstanceIndex: i} }
func gcpNode(i int) topology.Gateway  { return topology.Gateway{Region: "gcp:us-central1-a", InstanceIndex: i} }

func buildTestTopology() *topology.Topology {
	src := awsNode(0)
	sink := gcpNode(0)
	edges := map[topology.Gateway][]topology.Edge{
		src: {{Peer: sink, NumConnections: 32}},
	}
	return topology.New([]topology.Gateway{src, sink}, []topology.Gateway{src}, []topology.Gateway{sink}, edges)
}

func TestTopology_SourceAndSinkInstances(t *testing.T) {
	topo := buildTestTopology()
	src := awsNode(0)
	sink := gcpNode(0)

	assert.Equal(t, []topology.Gateway{src}, topo.SourceInstances())
	assert.Equal(t, []topology.Gateway{sink}, topo.SinkInstances())
	assert.Equal(t, []topology.Gateway{src, sink}, topo.GatewayNodes())
}

func TestTopology_IsSink(t *testing.T) {
	topo := buildTestTopology()
	assert.True(t, topo.IsSink(gcpNode(0)))
	assert.False(t, topo.IsSink(awsNode(0)))
}

func TestTopology_SinkRegions(t *testing.T) {
	topo := buildTestTopology()
	assert.Equal(t, map[string]bool{"gcp:us-central1-a": true}, topo.SinkRegions())
}

func TestTopology_OutgoingPaths(t *testing.T) {
	topo := buildTestTopology()
	paths := topo.OutgoingPaths(awsNode(0))
	assert.Equal(t, map[topology.Gateway]int{gcpNode(0): 32}, paths)

	assert.Empty(t, topo.OutgoingPaths(gcpNode(0)))
}

func TestTopology_NilEdgesDefaultsToEmptyMap(t *testing.T) {
	node := awsNode(0)
	topo := topology.New([]topology.Gateway{node}, nil, nil, nil)
	assert.Empty(t, topo.OutgoingPaths(node))
	assert.Empty(t, topo.SourceInstances())
	assert.Empty(t, topo.SinkInstances())
}
