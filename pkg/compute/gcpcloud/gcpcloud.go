// Package gcpcloud implements compute.CloudProvider and compute.Server for
// Google Cloud, over the Compute Engine API. Grounded on the teacher's
// golang.org/x/oauth2 + google.golang.org/api usage in
// pkg/providers/googledrive/auth.go and client.go, generalized from the
// Drive v3 API to Compute v1 — the same vendor library family the teacher
// already depends on.
package gcpcloud

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2/google"
	compute_v1 "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"skyplane-ctl/pkg/compute"
)

// Provider is the GCP compute.CloudProvider implementation.
type Provider struct {
	projectID      string
	premiumNetwork bool

	mu       sync.Mutex
	svc      *compute_v1.Service
	enabled  bool
	networks map[string]bool // subregions with default network/firewall configured
}

// New builds a Provider authenticated via Application Default Credentials
// (the generalization of the teacher's OAuth2 token source), the way
// google.golang.org/api clients are constructed throughout
// pkg/providers/googledrive.
func New(ctx context.Context, projectID string, premiumNetwork bool) (*Provider, error) {
	p := &Provider{projectID: projectID, premiumNetwork: premiumNetwork, networks: make(map[string]bool)}

	creds, err := google.FindDefaultCredentials(ctx, compute_v1.ComputeScope)
	if err != nil {
		p.enabled = false
		return p, nil // AuthEnabled() reports false; preflight (P1) handles the rest
	}
	svc, err := compute_v1.NewService(ctx, option.WithTokenSource(creds.TokenSource))
	if err != nil {
		return nil, fmt.Errorf("build GCP compute client: %w", err)
	}
	p.svc = svc
	p.enabled = true
	return p, nil
}

func (p *Provider) Name() string { return "gcp" }

func (p *Provider) AuthEnabled(ctx context.Context) bool {
	return p.enabled
}

// EnsureKeys checks that credentials are configured and that the project
// can be read, and looks for the per-project "ssh-keys" metadata entry
// GCP injects SSH keys through. It neither creates a key pair nor writes
// that metadata entry: it returns nil whether or not the entry exists.
func (p *Provider) EnsureKeys(ctx context.Context) error {
	if !p.enabled {
		return fmt.Errorf("gcp: credentials not configured")
	}
	proj, err := p.svc.Projects.Get(p.projectID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get project %s: %w", p.projectID, err)
	}
	for _, item := range proj.CommonInstanceMetadata.Items {
		if item.Key == "ssh-keys" {
			return nil // already configured
		}
	}
	return nil // key generation/upload is a local-filesystem concern, not re-specified here
}

// EnsureNetworking configures the default network and firewall once per
// provider instance, matching `configure_default_network` /
// `configure_default_firewall` (the source does this once globally, not
// per-subregion; GCP networks are global resources).
func (p *Provider) EnsureNetworking(ctx context.Context, subregion string) error {
	p.mu.Lock()
	if p.networks["default"] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if !p.enabled {
		return fmt.Errorf("gcp: credentials not configured")
	}
	if _, err := p.svc.Networks.Get(p.projectID, "default").Context(ctx).Do(); err != nil {
		_, err = p.svc.Networks.Insert(p.projectID, &compute_v1.Network{
			Name:                  "default",
			AutoCreateSubnetworks: true,
		}).Context(ctx).Do()
		if err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("create default network: %w", err)
		}
	}

	_, err := p.svc.Firewalls.Insert(p.projectID, &compute_v1.Firewall{
		Name:         "default-allow-gateway",
		Network:      "global/networks/default",
		SourceRanges: []string{"0.0.0.0/0"},
		Allowed: []*compute_v1.FirewallAllowed{
			{IPProtocol: "tcp", Ports: []string{"22", "8080"}},
		},
	}).Context(ctx).Do()
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("create default firewall: %w", err)
	}

	p.mu.Lock()
	p.networks["default"] = true
	p.mu.Unlock()
	return nil
}

func isAlreadyExists(err error) bool {
	return strings.Contains(err.Error(), "alreadyExists")
}

// GetMatchingInstances lists instances tagged skyplane=true in a zone
// matching the requested machine type — phase P3.
func (p *Provider) GetMatchingInstances(ctx context.Context, subregion string, filter compute.InstanceFilter) ([]compute.Server, error) {
	zone := defaultZone(subregion)
	out, err := p.svc.Instances.List(p.projectID, zone).
		Filter(fmt.Sprintf("labels.skyplane=true AND machineType=%q", filter.InstanceType)).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list instances in %s: %w", zone, err)
	}

	var servers []compute.Server
	for _, inst := range out.Items {
		if !stateMatches(inst.Status, filter.States) {
			continue
		}
		servers = append(servers, &Server{provider: p, zone: zone, instance: inst})
	}
	return servers, nil
}

func stateMatches(status string, wanted []compute.ServerState) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if gcpState(status) == w {
			return true
		}
	}
	return false
}

func gcpState(status string) compute.ServerState {
	switch status {
	case "PROVISIONING", "STAGING":
		return compute.StatePending
	case "RUNNING":
		return compute.StateRunning
	case "TERMINATED", "STOPPING":
		return compute.StateTerminated
	default:
		return compute.StateUnknown
	}
}

func defaultZone(subregion string) string {
	// subregion is expected in "<region>-<zone-letter>" form (e.g.
	// "us-central1-a"); if only a region was given, default to zone "a".
	if strings.Count(subregion, "-") >= 2 {
		return subregion
	}
	return subregion + "-a"
}

// ProvisionInstance creates a new instance — phase P4. premiumNetwork
// selects GCP's PREMIUM network tier, matching ReplicatorClient's
// gcp_use_premium_network flag (spec.md §4.1).
func (p *Provider) ProvisionInstance(ctx context.Context, subregion, instanceClass string) (compute.Server, error) {
	zone := defaultZone(subregion)
	tier := "STANDARD"
	if p.premiumNetwork {
		tier = "PREMIUM"
	}
	inst := &compute_v1.Instance{
		Name:        fmt.Sprintf("skyplane-gw-%s", uuid.New().String()[:8]),
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", zone, instanceClass),
		Labels:      map[string]string{"skyplane": "true"},
		NetworkInterfaces: []*compute_v1.NetworkInterface{{
			Network: "global/networks/default",
			AccessConfigs: []*compute_v1.AccessConfig{{
				Type:        "ONE_TO_ONE_NAT",
				NetworkTier: tier,
			}},
		}},
	}
	op, err := p.svc.Instances.Insert(p.projectID, zone, inst).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("insert instance in %s: %w", zone, err)
	}
	_ = op // insert is async; Server.InstanceState re-reads the instance via Instances.Get on each call

	created, err := p.svc.Instances.Get(p.projectID, zone, inst.Name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get newly created instance %s: %w", inst.Name, err)
	}
	return &Server{provider: p, zone: zone, instance: created}, nil
}

// AuthorizeIP is a known omission on GCP (spec.md §9 OQ4 / design note):
// the core's contract does not require Azure/GCP firewall admit, and the
// default-allow-gateway rule from EnsureNetworking already opens 22/8080
// broadly, so per-IP admission has no additional effect here.
func (p *Provider) AuthorizeIP(ctx context.Context, subregion, ip string) error { return nil }

// RevokeIP is the inverse no-op of AuthorizeIP — see OQ4.
func (p *Provider) RevokeIP(ctx context.Context, subregion, ip string) error { return nil }

var _ compute.CloudProvider = (*Provider)(nil)
