package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/agent"
	"github.com/fleetmeter/fleetmeter/internal/config"
	"github.com/fleetmeter/fleetmeter/internal/hypervisor"
	"github.com/fleetmeter/fleetmeter/internal/transport"
)

// buildEngine loads configuration and constructs an Engine wired to a real
// hypervisor probe and transport client.
func buildEngine(appName string) (*agent.Engine, *config.Config, error) {
	cfg, err := config.Load(appName)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	nodeName := cfg.Node.Name
	if nodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, cfg, fmt.Errorf("determine node name: %w", err)
		}
		nodeName = hostname
	}

	probe := hypervisor.New(hypervisor.Config{
		Host:      cfg.Proxmox.Host,
		Port:      cfg.Proxmox.Port,
		Node:      nodeName,
		TokenName: cfg.Proxmox.TokenName,
		Token:     cfg.Proxmox.TokenValue,
		VerifySSL: cfg.Proxmox.VerifySSL,
	})

	client := transport.NewClient(cfg.Manager.URL, cfg.Manager.APIKey, cfg.Manager.Timeout)

	interval := agent.DefaultInterval
	if cfg.Polling.IntervalSeconds > 0 {
		interval = time.Duration(cfg.Polling.IntervalSeconds) * time.Second
	}

	eng := agent.New(probe, client, agent.Options{
		Node:           nodeName,
		StatePath:      cfg.StateFile,
		Interval:       interval,
		TrackFullVM:    cfg.Polling.TrackQEMU,
		TrackContainer: cfg.Polling.TrackLXC,
	})
	return eng, cfg, nil
}
