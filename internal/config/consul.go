package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/consul/api"
)

// ConsulConfig holds Consul client configuration.
type ConsulConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	Datacenter string `mapstructure:"datacenter"`
}

// ConsulSource discovers upstream targets from the Consul catalog. It
// implements TargetDiscoverer.
type ConsulSource struct {
	client *api.Client
}

// NewConsulSource creates a Consul-backed target discoverer.
func NewConsulSource(cfg ConsulConfig) (*ConsulSource, error) {
	consulCfg := api.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}

	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("connecting to consul: %w", err)
	}

	return &ConsulSource{client: client}, nil
}

// Leader returns the current Consul cluster leader.
func (s *ConsulSource) Leader() (string, error) {
	return s.client.Status().Leader()
}

// DiscoverTargets returns the addresses of healthy instances of a
// service.
func (s *ConsulSource) DiscoverTargets(ctx context.Context, service string) ([]string, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := s.client.Health().Service(service, "", true, opts)
	if err != nil {
		return nil, fmt.Errorf("discovering service %s: %w", service, err)
	}

	addrs := make([]string, 0, len(entries))
	for _, entry := range entries {
		addr := entry.Service.Address
		if addr == "" {
			addr = entry.Node.Address
		}
		addrs = append(addrs, fmt.Sprintf("%s:%d", addr, entry.Service.Port))
	}
	return addrs, nil
}
