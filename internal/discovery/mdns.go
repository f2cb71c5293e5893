// ABOUTME: mDNS service discovery for TTP telemetry endpoints
// ABOUTME: Handles both advertisement (player) and browsing (discover command)
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	log "github.com/sirupsen/logrus"
)

// ServiceType is the mDNS service players advertise
const ServiceType = "_resonate-ttp._tcp"

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	Path        string // websocket path, advertised as path=...
	EngineID    string
}

// Manager handles mDNS operations
type Manager struct {
	config    Config
	ctx       context.Context
	cancel    context.CancelFunc
	endpoints chan *Endpoint
}

// Endpoint describes a discovered telemetry endpoint
type Endpoint struct {
	Name     string
	Host     string
	Port     int
	Path     string
	EngineID string
}

// URL is the websocket address of the endpoint
func (e *Endpoint) URL() string {
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(e.Host, fmt.Sprint(e.Port)), e.Path)
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(chan *Endpoint, 10),
	}
}

func (m *Manager) txt() []string {
	txt := []string{"path=" + m.config.Path}
	if m.config.EngineID != "" {
		txt = append(txt, "engine="+m.config.EngineID)
	}
	return txt
}

// Advertise advertises this player's telemetry via mDNS until Stop
func (m *Manager) Advertise() error {
	if m.config.Port <= 0 {
		return fmt.Errorf("invalid port %d", m.config.Port)
	}

	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		m.txt(),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	log.Infof("Advertising mDNS service: %s on port %d (type: %s)", m.config.ServiceName, m.config.Port, ServiceType)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse continuously searches for telemetry endpoints until Stop
func (m *Manager) Browse() {
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			close(m.endpoints)
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				ep := toEndpoint(entry)
				if ep == nil {
					continue
				}

				log.Debugf("Discovered telemetry: %s at %s", ep.Name, ep.URL())

				select {
				case m.endpoints <- ep:
				case <-m.ctx.Done():
				}
			}
		}()

		params := &mdns.QueryParam{
			Service:             ServiceType,
			Domain:              "local",
			Timeout:             3 * time.Second,
			Entries:             entries,
			DisableIPv6:         true,
			WantUnicastResponse: false,
		}

		if err := mdns.Query(params); err != nil {
			log.Warnf("mDNS query failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-m.ctx.Done():
			}
		}
		close(entries)
		<-done
	}
}

// toEndpoint converts a service entry, ignoring foreign services
func toEndpoint(entry *mdns.ServiceEntry) *Endpoint {
	if !strings.Contains(entry.Name, ServiceType) || entry.AddrV4 == nil {
		return nil
	}

	ep := &Endpoint{
		Name: strings.TrimSuffix(entry.Name, "."+ServiceType+".local."),
		Host: entry.AddrV4.String(),
		Port: entry.Port,
		Path: "/",
	}
	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "path":
			ep.Path = value
		case "engine":
			ep.EngineID = value
		}
	}
	return ep
}

// Endpoints returns the channel of discovered endpoints; it closes after Stop
func (m *Manager) Endpoints() <-chan *Endpoint {
	return m.endpoints
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
