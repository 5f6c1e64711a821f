// Package cloudconfig loads per-cloud credentials and builds the three
// compute.CloudProvider implementations, generalizing the teacher's
// pkg/config/credentials.go (a single AWS-credentials loader with an
// explicit/env/default-chain priority order) to all three clouds skyplane
// targets. It is also where phase P1 (preflight authentication checks)
// lives, since that check needs exactly the providers this package builds.
package cloudconfig

import (
	"context"
	"fmt"
	"os"

	"skyplane-ctl/pkg/compute"
	"skyplane-ctl/pkg/compute/awscloud"
	"skyplane-ctl/pkg/compute/azurecloud"
	"skyplane-ctl/pkg/compute/gcpcloud"
	"skyplane-ctl/pkg/region"
)

// Config gathers the settings needed to build each cloud's provider.
// Fields left zero fall back to environment variables, matching the
// teacher's LoadCredentials priority order: explicit value, then env var,
// then the cloud SDK's own default chain.
type Config struct {
	GCPProjectID      string
	GCPPremiumNetwork bool

	AzureTenantID       string
	AzureClientID       string
	AzureClientSecret   string
	AzureSubscriptionID string
	AzureResourceGroup  string
}

func (c *Config) fillFromEnv() {
	if c.GCPProjectID == "" {
		c.GCPProjectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if c.AzureTenantID == "" {
		c.AzureTenantID = os.Getenv("AZURE_TENANT_ID")
	}
	if c.AzureClientID == "" {
		c.AzureClientID = os.Getenv("AZURE_CLIENT_ID")
	}
	if c.AzureClientSecret == "" {
		c.AzureClientSecret = os.Getenv("AZURE_CLIENT_SECRET")
	}
	if c.AzureSubscriptionID == "" {
		c.AzureSubscriptionID = os.Getenv("AZURE_SUBSCRIPTION_ID")
	}
	if c.AzureResourceGroup == "" {
		c.AzureResourceGroup = os.Getenv("AZURE_RESOURCE_GROUP")
	}
}

// Providers holds one compute.CloudProvider per cloud that is reachable.
// A cloud absent from the set means its credentials were unusable or
// unconfigured; LoadProviders never fails outright for that reason alone,
// since a job may only touch a subset of clouds (spec.md §4.1 P1).
type Providers struct {
	byName map[region.Provider]compute.CloudProvider
}

// Get returns the provider for p, or nil if it was never built.
func (p *Providers) Get(prov region.Provider) compute.CloudProvider {
	return p.byName[prov]
}

// NewProviders builds a Providers set directly from an already-constructed
// map, bypassing environment/credential loading. Used to inject fakes in
// tests that exercise pkg/provision against compute.CloudProvider without
// talking to a real cloud.
func NewProviders(byName map[region.Provider]compute.CloudProvider) *Providers {
	return &Providers{byName: byName}
}

// LoadProviders builds a CloudProvider for every cloud Config (plus its
// environment fallback) has enough material for.
func LoadProviders(ctx context.Context, cfg Config) (*Providers, error) {
	cfg.fillFromEnv()
	out := &Providers{byName: make(map[region.Provider]compute.CloudProvider)}

	awsProv, err := awscloud.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("build AWS provider: %w", err)
	}
	out.byName[region.AWS] = awsProv

	if cfg.GCPProjectID != "" {
		gcpProv, err := gcpcloud.New(ctx, cfg.GCPProjectID, cfg.GCPPremiumNetwork)
		if err != nil {
			return nil, fmt.Errorf("build GCP provider: %w", err)
		}
		out.byName[region.GCP] = gcpProv
	}

	if cfg.AzureTenantID != "" && cfg.AzureClientID != "" {
		out.byName[region.Azure] = azurecloud.New(ctx, azurecloud.Config{
			TenantID:       cfg.AzureTenantID,
			ClientID:       cfg.AzureClientID,
			ClientSecret:   cfg.AzureClientSecret,
			SubscriptionID: cfg.AzureSubscriptionID,
			ResourceGroup:  cfg.AzureResourceGroup,
		})
	}

	return out, nil
}

// Preflight implements phase P1: every cloud referenced by the given region
// tags must have a provider whose AuthEnabled(ctx) returns true. Returns a
// single error naming every unreachable cloud, so a job failing preflight
// for two clouds at once reports both instead of failing fast on the
// first.
func Preflight(ctx context.Context, providers *Providers, tags []region.Tag) error {
	needed := make(map[region.Provider]bool)
	for _, t := range tags {
		needed[t.Provider] = true
	}

	var missing []string
	for prov := range needed {
		cp := providers.Get(prov)
		if cp == nil {
			missing = append(missing, fmt.Sprintf("%s: no credentials configured", prov))
			continue
		}
		if !cp.AuthEnabled(ctx) {
			missing = append(missing, fmt.Sprintf("%s: credentials present but not valid", prov))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("preflight failed: %v", missing)
	}
	return nil
}
