// Package discovery advertises the server on the local network over mDNS so
// clients on the same LAN can find a canvas without typing an address.
package discovery

import (
	"fmt"
	"net"
	"os"

	"github.com/hashicorp/mdns"
)

const ServiceType = "_sketchroom._tcp"

type Config struct {
	// Instance name, defaults to the hostname
	Instance string
	Port     int
	// Host and IPs are resolved from the OS when empty
	Host string
	IPs  []net.IP
	Info []string
}

func newService(cfg Config) (*mdns.MDNSService, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}

	instance := cfg.Instance
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
		instance = host
	}

	info := cfg.Info
	if len(info) == 0 {
		info = []string{"sketchroom", "path=/ws"}
	}

	service, err := mdns.NewMDNSService(instance, ServiceType, "", cfg.Host, cfg.Port, cfg.IPs, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}
	return service, nil
}

// Advertise starts answering mDNS queries for the service until Shutdown is
// called on the returned server.
func Advertise(cfg Config) (*mdns.Server, error) {
	service, err := newService(cfg)
	if err != nil {
		return nil, err
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	return server, nil
}
