// Package topology is the external collaborator (C4 in spec.md §2) the
// core consumes: an ordered set of gateway nodes with region tags, a
// source/sink classification, and an outgoing-edge map. Topology
// construction itself is out of scope (spec.md §1) — this is a plain data
// holder the provisioner/planner/monitor read, never mutate or reshape.
package topology

// Gateway is one node of the overlay: identity is (Region, InstanceIndex).
type Gateway struct {
	Region        string
	InstanceIndex int
}

// Edge is one outgoing connection from a node to a peer, carrying the
// opaque per-destination connection count the gateway data plane uses.
// The core never interprets NumConnections beyond forwarding it.
type Edge struct {
	Peer           Gateway
	NumConnections int
}

// Topology is an immutable (from the core's point of view) overlay: a
// node list plus source/sink classification and an outgoing-edge map.
type Topology struct {
	nodes   []Gateway
	sources map[Gateway]bool
	sinks   map[Gateway]bool
	edges   map[Gateway][]Edge
}

// New builds a Topology from its node list and edge map. sources/sinks are
// subsets of nodes; edges maps each node to its outgoing edges (only to
// other nodes in the topology).
func New(nodes []Gateway, sources, sinks []Gateway, edges map[Gateway][]Edge) *Topology {
	t := &Topology{
		nodes:   append([]Gateway(nil), nodes...),
		sources: make(map[Gateway]bool, len(sources)),
		sinks:   make(map[Gateway]bool, len(sinks)),
		edges:   edges,
	}
	for _, s := range sources {
		t.sources[s] = true
	}
	for _, s := range sinks {
		t.sinks[s] = true
	}
	if t.edges == nil {
		t.edges = make(map[Gateway][]Edge)
	}
	return t
}

// GatewayNodes returns all nodes in topology declaration order.
func (t *Topology) GatewayNodes() []Gateway {
	return t.nodes
}

// SourceInstances returns the subset of nodes that are transfer sources,
// in topology order.
func (t *Topology) SourceInstances() []Gateway {
	out := make([]Gateway, 0, len(t.sources))
	for _, n := range t.nodes {
		if t.sources[n] {
			out = append(out, n)
		}
	}
	return out
}

// SinkInstances returns the subset of nodes that are transfer sinks, in
// topology order.
func (t *Topology) SinkInstances() []Gateway {
	out := make([]Gateway, 0, len(t.sinks))
	for _, n := range t.nodes {
		if t.sinks[n] {
			out = append(out, n)
		}
	}
	return out
}

// SinkRegions returns the distinct set of regions any sink node belongs
// to — the sink-replication invariant (spec.md §4.3 step 4) is evaluated
// against this set.
func (t *Topology) SinkRegions() map[string]bool {
	out := make(map[string]bool)
	for n := range t.sinks {
		out[n.Region] = true
	}
	return out
}

// IsSink reports whether g is one of the topology's sink nodes.
func (t *Topology) IsSink(g Gateway) bool {
	return t.sinks[g]
}

// OutgoingPaths returns node's outgoing edges: peer node -> connection
// count.
func (t *Topology) OutgoingPaths(node Gateway) map[Gateway]int {
	edges := t.edges[node]
	out := make(map[Gateway]int, len(edges))
	for _, e := range edges {
		out[e.Peer] = e.NumConnections
	}
	return out
}
