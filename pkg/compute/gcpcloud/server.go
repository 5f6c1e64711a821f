package gcpcloud

import (
	"context"
	"fmt"
	"os"
	"sync"

	compute_v1 "google.golang.org/api/compute/v1"

	"skyplane-ctl/pkg/compute"
)

// Server is the GCP compute.Server implementation.
type Server struct {
	provider *Provider
	zone     string

	mu       sync.RWMutex
	instance *compute_v1.Instance
	apiURL   string
}

func (s *Server) UUID() string         { return fmt.Sprintf("%d", s.instance.Id) }
func (s *Server) InstanceName() string { return s.instance.Name }
func (s *Server) Provider() string     { return "gcp" }
func (s *Server) RegionTag() string    { return "gcp:" + s.zone }

func (s *Server) PublicIP(ctx context.Context) (string, error) {
	if ip := s.currentIP(); ip != "" {
		return ip, nil
	}
	if err := s.refresh(ctx); err != nil {
		return "", err
	}
	return s.currentIP(), nil
}

func (s *Server) currentIP() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, iface := range s.instance.NetworkInterfaces {
		for _, ac := range iface.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP
			}
		}
	}
	return ""
}

func (s *Server) refresh(ctx context.Context) error {
	inst, err := s.provider.svc.Instances.Get(s.provider.projectID, s.zone, s.instance.Name).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get instance %s: %w", s.instance.Name, err)
	}
	s.mu.Lock()
	s.instance = inst
	s.mu.Unlock()
	return nil
}

func (s *Server) InstanceState(ctx context.Context) (compute.ServerState, error) {
	if err := s.refresh(ctx); err != nil {
		return compute.StateUnknown, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gcpState(s.instance.Status), nil
}

func (s *Server) TerminateInstance(ctx context.Context) error {
	_, err := s.provider.svc.Instances.Delete(s.provider.projectID, s.zone, s.instance.Name).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", s.instance.Name, err)
	}
	return nil
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

var _ compute.Server = (*Server)(nil)
