package azurecloud

import (
	"context"
	"fmt"
	"os"
	"sync"

	"skyplane-ctl/pkg/compute"
)

// Server is the Azure compute.Server implementation.
type Server struct {
	provider *Provider

	mu     sync.RWMutex
	vm     armVM
	apiURL string
}

func (s *Server) UUID() string         { return s.vm.Name }
func (s *Server) InstanceName() string { return s.vm.Name }
func (s *Server) Provider() string     { return "azure" }
func (s *Server) RegionTag() string    { return "azure:" + s.vm.Location }

func (s *Server) PublicIP(ctx context.Context) (string, error) {
	// Azure's public IP is a separate resource tied to the VM's NIC; the
	// VM body itself doesn't carry it. Fetched via its own ARM path.
	var ip struct {
		Properties struct {
			IPAddress string `json:"ipAddress"`
		} `json:"properties"`
	}
	path := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/publicIPAddresses/%s-ip?api-version=2023-09-01",
		s.provider.cfg.SubscriptionID, s.provider.cfg.ResourceGroup, s.vm.Name)
	if err := s.provider.get(ctx, path, &ip); err != nil {
		return "", fmt.Errorf("get public IP for %s: %w", s.vm.Name, err)
	}
	return ip.Properties.IPAddress, nil
}

func (s *Server) InstanceState(ctx context.Context) (compute.ServerState, error) {
	path := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines/%s/instanceView?api-version=2023-09-01",
		s.provider.cfg.SubscriptionID, s.provider.cfg.ResourceGroup, s.vm.Name)
	var view struct {
		Statuses []struct {
			Code string `json:"code"`
		} `json:"statuses"`
	}
	if err := s.provider.get(ctx, path, &view); err != nil {
		return compute.StateUnknown, fmt.Errorf("get instance view for %s: %w", s.vm.Name, err)
	}
	for _, st := range view.Statuses {
		switch st.Code {
		case "PowerState/running":
			return compute.StateRunning, nil
		case "PowerState/deallocated", "PowerState/stopped":
			return compute.StateTerminated, nil
		case "PowerState/starting":
			return compute.StatePending, nil
		}
	}
	return compute.StateUnknown, nil
}

func (s *Server) TerminateInstance(ctx context.Context) error {
	path := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines/%s?api-version=2023-09-01&forceDeletion=true",
		s.provider.cfg.SubscriptionID, s.provider.cfg.ResourceGroup, s.vm.Name)
	return s.provider.do(ctx, "DELETE", path, nil, nil)
}

func (s *Server) RunCommand(ctx context.Context, cmd string) (string, error) {
	ip, err := s.PublicIP(ctx)
	if err != nil {
		return "", err
	}
	return compute.RunSSH(ctx, ip, cmd)
}

func (s *Server) DownloadFile(ctx context.Context, remote, local string) error {
	ip, err := s.PublicIP(ctx)
	if err != nil {
		return err
	}
	return compute.ScpDownload(ctx, ip, remote, local)
}

func (s *Server) CopyPublicKey(ctx context.Context, localPubKeyPath string) error {
	key, err := os.ReadFile(localPubKeyPath)
	if err != nil {
		return fmt.Errorf("read public key %s: %w", localPubKeyPath, err)
	}
	_, err = s.RunCommand(ctx, fmt.Sprintf("echo %q >> ~/.ssh/authorized_keys", string(key)))
	return err
}

func (s *Server) InitLogFiles(ctx context.Context, dir string) error {
	_, err := s.RunCommand(ctx, fmt.Sprintf("mkdir -p %s", dir))
	return err
}

func (s *Server) EnableAutoShutdown(ctx context.Context) error {
	_, err := s.RunCommand(ctx, "echo 'sudo shutdown -h +60' | at now")
	return err
}

func (s *Server) StartGateway(ctx context.Context, outgoingPorts map[string]int, dockerImage string, useBBR bool) error {
	bbrFlag := ""
	if useBBR {
		bbrFlag = "--sysctl net.ipv4.tcp_congestion_control=bbr"
	}
	cmd := fmt.Sprintf("sudo docker run -d --name skyplane_gateway %s -p 8080:8080 %s", bbrFlag, dockerImage)
	if _, err := s.RunCommand(ctx, cmd); err != nil {
		return fmt.Errorf("start gateway on %s: %w", s.UUID(), err)
	}
	ip, err := s.PublicIP(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.apiURL = fmt.Sprintf("http://%s:8080", ip)
	s.mu.Unlock()
	return compute.WaitForGatewayAPI(ctx, s.apiURL)
}

func (s *Server) GatewayAPIURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiURL
}

// AuthorizeStorageAccount grants this gateway's managed identity access to
// the given storage account — the Azure-only sub-capability spec.md's
// design notes (§9) call out, used by the planner's step S1 instead of a
// type switch on CloudProvider.
func (s *Server) AuthorizeStorageAccount(ctx context.Context, account string) error {
	path := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Storage/storageAccounts/%s/providers/Microsoft.Authorization/roleAssignments/%s?api-version=2022-04-01",
		s.provider.cfg.SubscriptionID, s.provider.cfg.ResourceGroup, account, s.vm.Name)
	body := map[string]interface{}{
		"properties": map[string]string{
			"roleDefinitionId": "ba92f5b4-2d11-453d-a403-e96b0029c9fe", // Storage Blob Data Contributor
			"principalId":      s.vm.Name,
		},
	}
	if err := s.provider.put(ctx, path, body, nil); err != nil {
		return fmt.Errorf("authorize storage account %s for %s: %w", account, s.vm.Name, err)
	}
	return nil
}

var (
	_ compute.Server          = (*Server)(nil)
	_ compute.AzureAuthorizer = (*Server)(nil)
)
