// Package provision implements the Fleet Provisioner (spec.md §4.1, C5):
// phases P1-P7 that turn a Topology into a running gateway fleet, plus
// the guaranteed deprovision path. Grounded on the teacher's
// pkg/pool.WorkerPool fan-out idiom (generalized into pkg/fanout) and its
// per-cloud client setup in pkg/config/credentials.go.
package provision

import (
	"context"
	"fmt"
	"sync"

	"skyplane-ctl/pkg/cloudconfig"
	"skyplane-ctl/pkg/compute"
	"skyplane-ctl/pkg/fanout"
	"skyplane-ctl/pkg/logx"
	"skyplane-ctl/pkg/region"
	"skyplane-ctl/pkg/skyerr"
	"skyplane-ctl/pkg/topology"
)

// Config carries the per-run settings that are constant across phases:
// the instance class to provision per cloud and the gateway docker image.
type Config struct {
	InstanceClass map[region.Provider]string
	DockerImage   string
}

// Options are the parameters to ProvisionGateways, matching spec.md's
// provision_gateways(reuse, log_dir, ssh_pub_key, use_bbr, use_compression).
type Options struct {
	Reuse          bool
	LogDir         string
	SSHPubKeyPath  string
	UseBBR         bool
	UseCompression bool
}

// Fleet is the provisioner's owned state: bound_nodes and temp_nodes from
// spec.md §3, guarded by a mutex since P3/P4 populate it concurrently.
type Fleet struct {
	mu        sync.Mutex
	boundNode map[topology.Gateway]compute.Server
	tempNodes []compute.Server
}

// NewFleet returns an empty fleet, ready for ProvisionGateways.
func NewFleet() *Fleet {
	return &Fleet{boundNode: make(map[topology.Gateway]compute.Server)}
}

// BoundNodes returns the node->Server binding built by a successful
// ProvisionGateways call.
func (f *Fleet) BoundNodes() map[topology.Gateway]compute.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[topology.Gateway]compute.Server, len(f.boundNode))
	for k, v := range f.boundNode {
		out[k] = v
	}
	return out
}

func (f *Fleet) appendTemp(s compute.Server) {
	f.mu.Lock()
	f.tempNodes = append(f.tempNodes, s)
	f.mu.Unlock()
}

// allServers returns every Server the fleet currently owns, bound or
// temp, for deprovisioning (I1).
func (f *Fleet) allServers() []compute.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]compute.Server, 0, len(f.boundNode)+len(f.tempNodes))
	for _, s := range f.boundNode {
		out = append(out, s)
	}
	out = append(out, f.tempNodes...)
	return out
}

// Provisioner drives the phases against a set of cloud providers.
type Provisioner struct {
	providers *cloudconfig.Providers
	cfg       Config
	log       *logx.Logger
}

// New builds a Provisioner bound to providers and cfg.
func New(providers *cloudconfig.Providers, cfg Config, log *logx.Logger) *Provisioner {
	return &Provisioner{providers: providers, cfg: cfg, log: log}
}

// ProvisionGateways runs phases P1-P7 against topo and returns the bound
// fleet. On any phase failure the caller must still invoke
// DeprovisionGateways on the partially-built fleet, per spec.md's failure
// semantics.
func (p *Provisioner) ProvisionGateways(ctx context.Context, topo *topology.Topology, opts Options) (*Fleet, error) {
	nodes := topo.GatewayNodes()
	tags := make([]region.Tag, 0, len(nodes))
	for _, n := range nodes {
		t, err := region.Parse(n.Region)
		if err != nil {
			return nil, &skyerr.ConfigurationError{Reason: err.Error()}
		}
		tags = append(tags, t)
	}

	if err := p.preflight(ctx, tags); err != nil {
		return nil, err
	}

	if err := p.initClouds(ctx, tags); err != nil {
		return nil, &skyerr.ProvisionError{Step: "P2 per-cloud init", Err: err}
	}

	fleet := NewFleet()
	demand := demandByTag(nodes)

	if opts.Reuse {
		if err := p.reuseInstances(ctx, demand, fleet); err != nil {
			return fleet, &skyerr.ProvisionError{Step: "P3 reuse", Err: err}
		}
	}

	if err := p.provisionRemaining(ctx, demand, fleet); err != nil {
		return fleet, &skyerr.ProvisionError{Step: "P4 provisioning", Err: err}
	}

	if err := p.bind(ctx, topo, demand, fleet); err != nil {
		return fleet, err
	}

	if err := p.admitFirewall(ctx, fleet); err != nil {
		return fleet, &skyerr.ProvisionError{Step: "P6 firewall admit", Err: err}
	}

	if err := p.startGateways(ctx, topo, fleet, opts); err != nil {
		return fleet, &skyerr.ProvisionError{Step: "P7 gateway start", Err: err}
	}

	return fleet, nil
}

// preflight is phase P1: every provider referenced by tags must have
// credentials enabled.
func (p *Provisioner) preflight(ctx context.Context, tags []region.Tag) error {
	if err := cloudconfig.Preflight(ctx, p.providers, tags); err != nil {
		return &skyerr.ConfigurationError{Reason: err.Error()}
	}
	return nil
}

// initClouds is phase P2: per-cloud idempotent initialization, one job
// per distinct provider.
func (p *Provisioner) initClouds(ctx context.Context, tags []region.Tag) error {
	subregionsByProvider := make(map[region.Provider]map[string]bool)
	for _, t := range tags {
		if subregionsByProvider[t.Provider] == nil {
			subregionsByProvider[t.Provider] = make(map[string]bool)
		}
		subregionsByProvider[t.Provider][t.Subregion] = true
	}

	var provs []region.Provider
	for prov := range subregionsByProvider {
		provs = append(provs, prov)
	}

	return fanout.ParallelVoid(ctx, provs, 0, func(ctx context.Context, prov region.Provider) error {
		cp := p.providers.Get(prov)
		if cp == nil {
			return fmt.Errorf("no provider configured for %s", prov)
		}
		if err := cp.EnsureKeys(ctx); err != nil {
			return fmt.Errorf("%s ensure keys: %w", prov, err)
		}
		for subregion := range subregionsByProvider[prov] {
			if err := cp.EnsureNetworking(ctx, subregion); err != nil {
				return fmt.Errorf("%s ensure networking in %s: %w", prov, subregion, err)
			}
		}
		return nil
	})
}

// demandByTag counts how many instances each region tag needs, derived
// from the topology's node list.
func demandByTag(nodes []topology.Gateway) map[string]int {
	demand := make(map[string]int)
	for _, n := range nodes {
		demand[n.Region]++
	}
	return demand
}

// reuseInstances is phase P3: for each provider, list matching existing
// instances and count them against demand; surplus goes to temp_nodes.
func (p *Provisioner) reuseInstances(ctx context.Context, demand map[string]int, fleet *Fleet) error {
	var tagList []string
	for tag := range demand {
		tagList = append(tagList, tag)
	}

	pool := make(map[string][]compute.Server)
	var poolMu sync.Mutex

	err := fanout.ParallelVoid(ctx, tagList, 0, func(ctx context.Context, tagStr string) error {
		t, err := region.Parse(tagStr)
		if err != nil {
			return err
		}
		cp := p.providers.Get(t.Provider)
		if cp == nil {
			return nil
		}
		filter := compute.InstanceFilter{
			InstanceType: p.cfg.InstanceClass[t.Provider],
			States:       []compute.ServerState{compute.StatePending, compute.StateRunning},
		}
		servers, err := cp.GetMatchingInstances(ctx, t.Subregion, filter)
		if err != nil {
			return fmt.Errorf("list existing instances in %s: %w", tagStr, err)
		}
		poolMu.Lock()
		pool[tagStr] = servers
		poolMu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	for tag, servers := range pool {
		for _, s := range servers {
			if demand[tag] > 0 {
				demand[tag]--
				fleet.appendTemp(s)
			} else {
				fleet.appendTemp(s) // surplus: retained for deprovisioning only
			}
		}
	}
	return nil
}

// provisionRemaining is phase P4: create new instances for whatever
// demand reuse did not satisfy. Each new Server gets auto-shutdown
// enabled and is appended to temp_nodes before any later step runs.
func (p *Provisioner) provisionRemaining(ctx context.Context, demand map[string]int, fleet *Fleet) error {
	type slot struct{ tag string }
	var slots []slot
	for tag, n := range demand {
		for i := 0; i < n; i++ {
			slots = append(slots, slot{tag: tag})
		}
	}

	return fanout.ParallelVoid(ctx, slots, 0, func(ctx context.Context, s slot) error {
		t, err := region.Parse(s.tag)
		if err != nil {
			return err
		}
		cp := p.providers.Get(t.Provider)
		if cp == nil {
			return fmt.Errorf("no provider configured for %s", s.tag)
		}
		server, err := cp.ProvisionInstance(ctx, t.Subregion, p.cfg.InstanceClass[t.Provider])
		if err != nil {
			return fmt.Errorf("provision instance in %s: %w", s.tag, err)
		}
		fleet.appendTemp(server)
		if err := server.EnableAutoShutdown(ctx); err != nil && p.log != nil {
			p.log.Warn("enable auto-shutdown failed for %s: %v", server.UUID(), err)
		}
		return nil
	})
}

// bind is phase P5: pop one instance per topology node (in topology
// order) from the per-tag temp pool into bound_nodes.
func (p *Provisioner) bind(ctx context.Context, topo *topology.Topology, demand map[string]int, fleet *Fleet) error {
	fleet.mu.Lock()
	defer fleet.mu.Unlock()

	bucket := make(map[string][]compute.Server)
	var remaining []compute.Server
	available := len(fleet.tempNodes)
	for _, s := range fleet.tempNodes {
		tag := s.RegionTag()
		bucket[tag] = append(bucket[tag], s)
	}

	nodes := topo.GatewayNodes()
	for _, node := range nodes {
		servers := bucket[node.Region]
		if len(servers) == 0 {
			return &skyerr.ProvisionCountError{Wanted: len(nodes), Got: available}
		}
		// LIFO pop-from-tail binding order, matching the original
		// implementation's list.pop() reuse bookkeeping.
		last := servers[len(servers)-1]
		bucket[node.Region] = servers[:len(servers)-1]
		fleet.boundNode[node] = last
	}

	for _, leftover := range bucket {
		remaining = append(remaining, leftover...)
	}
	fleet.tempNodes = remaining
	return nil
}

// admitFirewall is phase P6: for every bound AWS Server, add its public IP
// to the security group of that server's own subregion. IPs of Azure/GCP
// servers are not admitted anywhere, and an AWS server's IP is not added
// to the security groups of other AWS subregions. Azure/GCP firewall admit
// is a documented omission (spec.md §9 OQ4).
func (p *Provisioner) admitFirewall(ctx context.Context, fleet *Fleet) error {
	bound := fleet.BoundNodes()
	var servers []compute.Server
	for _, s := range bound {
		if s.Provider() == "aws" {
			servers = append(servers, s)
		}
	}

	return fanout.ParallelVoid(ctx, servers, 0, func(ctx context.Context, s compute.Server) error {
		t, err := region.Parse(s.RegionTag())
		if err != nil {
			return err
		}
		ip, err := s.PublicIP(ctx)
		if err != nil {
			return fmt.Errorf("get public IP for %s: %w", s.UUID(), err)
		}
		cp := p.providers.Get(t.Provider)
		if cp == nil {
			return nil
		}
		return cp.AuthorizeIP(ctx, t.Subregion, ip)
	})
}

// startGateways is phase P7: on every bound node, compute its outgoing
// port map, optionally init log files and copy the SSH public key, then
// start the gateway container. Returns once each gateway's HTTP API is
// reachable.
func (p *Provisioner) startGateways(ctx context.Context, topo *topology.Topology, fleet *Fleet, opts Options) error {
	bound := fleet.BoundNodes()

	type job struct {
		node   topology.Gateway
		server compute.Server
	}
	var jobs []job
	for node, server := range bound {
		jobs = append(jobs, job{node: node, server: server})
	}

	return fanout.ParallelVoid(ctx, jobs, 0, func(ctx context.Context, j job) error {
		outgoing, err := outgoingPorts(ctx, topo, j.node, bound)
		if err != nil {
			return err
		}

		if opts.LogDir != "" {
			if err := j.server.InitLogFiles(ctx, opts.LogDir); err != nil {
				return fmt.Errorf("init log files on %s: %w", j.server.UUID(), err)
			}
		}
		if opts.SSHPubKeyPath != "" {
			if err := j.server.CopyPublicKey(ctx, opts.SSHPubKeyPath); err != nil {
				return fmt.Errorf("copy public key to %s: %w", j.server.UUID(), err)
			}
		}
		if err := j.server.StartGateway(ctx, outgoing, p.cfg.DockerImage, opts.UseBBR); err != nil {
			return fmt.Errorf("start gateway on %s: %w", j.server.UUID(), err)
		}
		return nil
	})
}

// outgoingPorts translates topology edges for node into a peer-IP ->
// connection-count map by resolving each peer through bound_nodes.
func outgoingPorts(ctx context.Context, topo *topology.Topology, node topology.Gateway, bound map[topology.Gateway]compute.Server) (map[string]int, error) {
	paths := topo.OutgoingPaths(node)
	out := make(map[string]int, len(paths))
	for peer, n := range paths {
		peerServer, ok := bound[peer]
		if !ok {
			continue // peer not part of this fleet; nothing to bind to
		}
		ip, err := peerServer.PublicIP(ctx)
		if err != nil {
			return nil, fmt.Errorf("get public IP for peer %s: %w", peerServer.UUID(), err)
		}
		out[ip] = n
	}
	return out, nil
}

// DeprovisionGateways tears the fleet down: revoke firewall admits (AWS
// only, errors logged not raised), terminate every RUNNING Server, then
// clear temp_nodes. Safe to call on a nil-ish or already-torn-down fleet
// (I5/P7): called twice in succession is observationally equivalent to
// once, since a second call finds the bound servers no longer RUNNING and
// terminates nothing.
func (p *Provisioner) DeprovisionGateways(ctx context.Context, fleet *Fleet) error {
	if fleet == nil {
		return nil
	}
	servers := fleet.allServers()
	if len(servers) == 0 {
		return nil
	}

	_ = fanout.ParallelVoid(ctx, servers, 0, func(ctx context.Context, s compute.Server) error {
		t, err := region.Parse(s.RegionTag())
		if err != nil || t.Provider != region.AWS {
			return nil
		}
		ip, err := s.PublicIP(ctx)
		if err != nil {
			if p.log != nil {
				p.log.Warn("deprovision: get public IP for %s: %v", s.UUID(), err)
			}
			return nil
		}
		cp := p.providers.Get(region.AWS)
		if cp == nil {
			return nil
		}
		if err := cp.RevokeIP(ctx, t.Subregion, ip); err != nil && p.log != nil {
			p.log.Warn("deprovision: revoke IP for %s: %v", s.UUID(), err)
		}
		return nil
	})

	_ = fanout.ParallelVoid(ctx, servers, 0, func(ctx context.Context, s compute.Server) error {
		state, err := s.InstanceState(ctx)
		if err != nil {
			if p.log != nil {
				p.log.Warn("deprovision: instance state for %s: %v", s.UUID(), err)
			}
			return nil
		}
		if state != compute.StateRunning {
			return nil
		}
		if err := s.TerminateInstance(ctx); err != nil && p.log != nil {
			p.log.Warn("deprovision: terminate %s: %v", s.UUID(), err)
		}
		return nil
	})

	fleet.mu.Lock()
	fleet.tempNodes = nil
	fleet.mu.Unlock()
	return nil
}
