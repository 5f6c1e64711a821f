// Package azurecloud implements compute.CloudProvider and compute.Server
// for Azure, talking to the Azure Resource Manager REST API directly over
// net/http. No Azure SDK appears anywhere in the retrieved example pack —
// rather than fabricate one, this reuses the teacher's OAuth2
// token-source pattern (pkg/providers/googledrive/auth.go) via
// golang.org/x/oauth2/clientcredentials against Azure AD, and calls ARM's
// documented REST surface directly. See DESIGN.md for why this one
// provider leans on net/http instead of a vendor client library.
package azurecloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"

	"skyplane-ctl/pkg/compute"
)

const armBase = "https://management.azure.com"

// Config holds the Azure AD application credentials used for the
// client-credentials OAuth2 flow.
type Config struct {
	TenantID       string
	ClientID       string
	ClientSecret   string
	SubscriptionID string
	ResourceGroup  string
}

// Provider is the Azure compute.CloudProvider implementation.
type Provider struct {
	cfg    Config
	client *http.Client
	valid  bool

	mu              sync.Mutex
	resourceGroupOK bool
	sshKeyOK        bool
}

// New builds a Provider whose http.Client attaches an Azure AD bearer
// token (via clientcredentials.Config, the same oauth2.TokenSource
// pattern the teacher uses for Google Drive) to every request.
func New(ctx context.Context, cfg Config) *Provider {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return &Provider{cfg: cfg, valid: false}
	}
	oauthCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://management.azure.com/.default"},
	}
	return &Provider{cfg: cfg, client: oauthCfg.Client(ctx), valid: true}
}

func (p *Provider) Name() string { return "azure" }

func (p *Provider) AuthEnabled(ctx context.Context) bool { return p.valid }

// EnsureKeys creates an SSH key resource once per provider instance,
// matching `self.azure.create_ssh_key`.
func (p *Provider) EnsureKeys(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sshKeyOK {
		return nil
	}
	if !p.valid {
		return fmt.Errorf("azure: credentials not configured")
	}
	path := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/sshPublicKeys/skyplane-key?api-version=2023-09-01",
		p.cfg.SubscriptionID, p.cfg.ResourceGroup)
	body := map[string]interface{}{"location": "eastus"}
	if err := p.put(ctx, path, body, nil); err != nil {
		return fmt.Errorf("ensure SSH key: %w", err)
	}
	p.sshKeyOK = true
	return nil
}

// EnsureNetworking ensures the resource group exists — Azure's
// equivalent of `set_up_resource_group`. subregion maps to an Azure
// location and is otherwise unused: a single resource group holds all
// gateways, matching the source's one-resource-group-per-client model.
func (p *Provider) EnsureNetworking(ctx context.Context, subregion string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resourceGroupOK {
		return nil
	}
	if !p.valid {
		return fmt.Errorf("azure: credentials not configured")
	}
	path := fmt.Sprintf("/subscriptions/%s/resourcegroups/%s?api-version=2021-04-01", p.cfg.SubscriptionID, p.cfg.ResourceGroup)
	body := map[string]interface{}{"location": subregion}
	if err := p.put(ctx, path, body, nil); err != nil {
		return fmt.Errorf("ensure resource group %s: %w", p.cfg.ResourceGroup, err)
	}
	p.resourceGroupOK = true
	return nil
}

// GetMatchingInstances lists VMs tagged skyplane=true in subregion with
// the configured VM size — phase P3.
func (p *Provider) GetMatchingInstances(ctx context.Context, subregion string, filter compute.InstanceFilter) ([]compute.Server, error) {
	path := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines?api-version=2023-09-01",
		p.cfg.SubscriptionID, p.cfg.ResourceGroup)
	var out struct {
		Value []armVM `json:"value"`
	}
	if err := p.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list Azure VMs in %s: %w", subregion, err)
	}

	var servers []compute.Server
	for _, vm := range out.Value {
		if vm.Location != subregion || vm.Tags["skyplane"] != "true" || vm.Properties.HardwareProfile.VMSize != filter.InstanceType {
			continue
		}
		servers = append(servers, &Server{provider: p, vm: vm})
	}
	return servers, nil
}

// ProvisionInstance creates a new VM — phase P4.
func (p *Provider) ProvisionInstance(ctx context.Context, subregion, instanceClass string) (compute.Server, error) {
	name := "skyplane-gw-" + uuid.New().String()[:8]
	path := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines/%s?api-version=2023-09-01",
		p.cfg.SubscriptionID, p.cfg.ResourceGroup, name)
	body := map[string]interface{}{
		"location": subregion,
		"tags":     map[string]string{"skyplane": "true"},
		"properties": map[string]interface{}{
			"hardwareProfile": map[string]string{"vmSize": instanceClass},
		},
	}
	var vm armVM
	if err := p.put(ctx, path, body, &vm); err != nil {
		return nil, fmt.Errorf("create Azure VM in %s: %w", subregion, err)
	}
	vm.Name = name
	vm.Location = subregion
	return &Server{provider: p, vm: vm}, nil
}

// AuthorizeIP/RevokeIP: Azure firewall (network security group) admit is
// a known omission (spec.md §9 OQ4) — the core's contract does not
// require it.
func (p *Provider) AuthorizeIP(ctx context.Context, subregion, ip string) error { return nil }
func (p *Provider) RevokeIP(ctx context.Context, subregion, ip string) error    { return nil }

var _ compute.CloudProvider = (*Provider)(nil)

func (p *Provider) get(ctx context.Context, path string, out interface{}) error {
	return p.do(ctx, http.MethodGet, path, nil, out)
}

func (p *Provider) put(ctx context.Context, path string, body interface{}, out interface{}) error {
	return p.do(ctx, http.MethodPut, path, body, out)
}

func (p *Provider) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, armBase+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ARM %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type armVM struct {
	Name       string            `json:"name"`
	Location   string            `json:"location"`
	Tags       map[string]string `json:"tags"`
	Properties struct {
		HardwareProfile struct {
			VMSize string `json:"vmSize"`
		} `json:"hardwareProfile"`
		ProvisioningState string `json:"provisioningState"`
	} `json:"properties"`
	ID string `json:"id"`
}
