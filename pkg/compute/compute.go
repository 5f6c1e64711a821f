// Package compute defines the Server and CloudProvider abstractions (C1,
// C2 in spec.md §2): per-instance operations and per-cloud primitives.
// Concrete implementations live in the awscloud, azurecloud, and gcpcloud
// subpackages; everything in pkg/provision, pkg/plan, and pkg/monitor is
// written against these interfaces only.
package compute

import "context"

// ServerState is the lifecycle state of a cloud VM.
type ServerState string

const (
	StatePending    ServerState = "PENDING"
	StateRunning    ServerState = "RUNNING"
	StateTerminated ServerState = "TERMINATED"
	StateUnknown    ServerState = "UNKNOWN"
)

// Server is opaque ownership of one cloud VM running (or about to run) a
// gateway container.
type Server interface {
	UUID() string
	InstanceName() string
	Provider() string
	RegionTag() string

	PublicIP(ctx context.Context) (string, error)
	InstanceState(ctx context.Context) (ServerState, error)
	TerminateInstance(ctx context.Context) error

	RunCommand(ctx context.Context, cmd string) (stdout string, err error)
	DownloadFile(ctx context.Context, remote, local string) error
	CopyPublicKey(ctx context.Context, localPubKeyPath string) error
	InitLogFiles(ctx context.Context, dir string) error
	EnableAutoShutdown(ctx context.Context) error

	// StartGateway launches the gateway container and blocks until its
	// HTTP API is reachable. outgoingPorts maps each peer's public IP to
	// the opaque connection count the data plane should open to it.
	StartGateway(ctx context.Context, outgoingPorts map[string]int, dockerImage string, useBBR bool) error

	// GatewayAPIURL is the HTTP base URL for this server's gateway
	// control API once StartGateway has returned.
	GatewayAPIURL() string
}

// InstanceFilter narrows GetMatchingInstances to a subset of a provider's
// instances, for fleet-reuse (spec.md §4.1 phase P3).
type InstanceFilter struct {
	Tags         map[string]string
	InstanceType string
	States       []ServerState
}

// CloudProvider is the per-cloud façade the provisioner drives (C1).
type CloudProvider interface {
	Name() string

	// AuthEnabled reports whether credentials for this provider are
	// configured; the provisioner's preflight (P1) fails fast when a
	// required provider has none.
	AuthEnabled(ctx context.Context) bool

	// EnsureKeys performs whatever one-time, idempotent per-cloud setup
	// the provider needs before instances can be created (SSH keys, IAM
	// roles, resource groups, default networks/firewalls — phase P2).
	EnsureKeys(ctx context.Context) error

	// EnsureNetworking performs idempotent per-subregion network setup
	// (VPC creation, client CIDR authorization) — phase P2.
	EnsureNetworking(ctx context.Context, subregion string) error

	// GetMatchingInstances lists existing instances in subregion matching
	// filter — phase P3 (reuse).
	GetMatchingInstances(ctx context.Context, subregion string, filter InstanceFilter) ([]Server, error)

	// ProvisionInstance creates a new instance of instanceClass in
	// subregion — phase P4.
	ProvisionInstance(ctx context.Context, subregion, instanceClass string) (Server, error)

	// AuthorizeIP admits ip into the subregion's firewall/security group
	// (idempotent) — phase P6. RevokeIP reverses it during deprovision.
	AuthorizeIP(ctx context.Context, subregion, ip string) error
	RevokeIP(ctx context.Context, subregion, ip string) error
}

// AzureAuthorizer is the Azure-specific sub-capability spec.md's design
// notes (§9) call out: bucket-level storage-account authorization for
// Azure gateways, exposed only on Azure Server handles rather than tested
// for via a type switch on CloudProvider.
type AzureAuthorizer interface {
	AuthorizeStorageAccount(ctx context.Context, account string) error
}
