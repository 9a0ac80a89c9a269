// ABOUTME: mDNS advertisement and discovery of marker outlets
// ABOUTME: Each outlet is announced as its own _mobi-markers._tcp instance carrying its stream header in TXT records
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/childmindresearch/MoBI-AV/internal/protocol"
)

// ServiceType is the DNS-SD service type of marker outlets
const ServiceType = "_mobi-markers._tcp"

// browseInterval is how long each browse round listens for responses
const browseInterval = 3 * time.Second

// Config holds discovery configuration
type Config struct {
	Port     int
	Hostname string
}

// Manager handles mDNS operations
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	servers map[string]*mdns.Server
	streams chan *Stream
}

// Stream describes a discovered outlet
type Stream struct {
	Info protocol.StreamInfo
	Host string
	Port int
}

// URL returns the WebSocket endpoint of the outlet
func (s *Stream) URL() string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   "/markers/" + s.Info.Name,
	}
	return u.String()
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(map[string]*mdns.Server),
		streams: make(chan *Stream, 10),
	}
}

// TXTRecords encodes a stream header as DNS-SD TXT key=value pairs
func TXTRecords(info protocol.StreamInfo) []string {
	return []string{
		"name=" + info.Name,
		"type=" + info.Type,
		"channel_count=" + strconv.Itoa(info.ChannelCount),
		"nominal_srate=" + strconv.FormatFloat(info.NominalRate, 'f', -1, 64),
		"channel_format=" + info.Format,
		"source_id=" + info.SourceID,
	}
}

// ParseTXT decodes TXT records back into a stream header. Unknown keys are
// ignored; a record without a name is rejected.
func ParseTXT(fields []string) (protocol.StreamInfo, error) {
	var info protocol.StreamInfo
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "name":
			info.Name = value
		case "type":
			info.Type = value
		case "channel_count":
			n, err := strconv.Atoi(value)
			if err != nil {
				return info, fmt.Errorf("invalid channel_count %q: %w", value, err)
			}
			info.ChannelCount = n
		case "nominal_srate":
			rate, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return info, fmt.Errorf("invalid nominal_srate %q: %w", value, err)
			}
			info.NominalRate = rate
		case "channel_format":
			info.Format = value
		case "source_id":
			info.SourceID = value
		}
	}
	if info.Name == "" {
		return info, fmt.Errorf("TXT records carry no stream name")
	}
	return info, nil
}

// Advertise announces one outlet. Advertising the same stream twice is a no-op.
func (m *Manager) Advertise(info protocol.StreamInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[info.Name]; ok {
		return nil
	}

	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	host := ""
	if m.config.Hostname != "" {
		host = m.config.Hostname + "."
	}

	service, err := mdns.NewMDNSService(
		info.Name,
		ServiceType,
		"",
		host,
		m.config.Port,
		ips,
		TXTRecords(info),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}
	m.servers[info.Name] = server

	log.Printf("Advertising marker stream %s on port %d (type: %s)", info.Name, m.config.Port, ServiceType)
	return nil
}

// Browse searches for marker outlets until Stop
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

// browseLoop queries repeatedly and reports each outlet once
func (m *Manager) browseLoop() {
	seen := make(map[string]bool)

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				stream, err := streamFromEntry(entry)
				if err != nil {
					log.Printf("Ignoring %s: %v", entry.Name, err)
					continue
				}

				key := fmt.Sprintf("%s@%s:%d", stream.Info.Name, stream.Host, stream.Port)
				if seen[key] {
					continue
				}
				seen[key] = true

				log.Printf("Discovered marker stream %s at %s:%d", stream.Info.Name, stream.Host, stream.Port)

				select {
				case m.streams <- stream:
				case <-m.ctx.Done():
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: ServiceType,
			Domain:  "local",
			Timeout: browseInterval,
			Entries: entries,
		}

		if err := mdns.Query(params); err != nil {
			log.Printf("mDNS query failed: %v", err)
		}
		close(entries)
		<-done

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func streamFromEntry(entry *mdns.ServiceEntry) (*Stream, error) {
	info, err := ParseTXT(entry.InfoFields)
	if err != nil {
		return nil, err
	}

	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		return nil, fmt.Errorf("no address")
	}

	return &Stream{Info: info, Host: host, Port: entry.Port}, nil
}

// Streams returns the channel of discovered outlets
func (m *Manager) Streams() <-chan *Stream {
	return m.streams
}

// Stop withdraws all advertisements and stops browsing
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, server := range m.servers {
		if err := server.Shutdown(); err != nil {
			log.Printf("Failed to withdraw %s: %v", name, err)
		}
		delete(m.servers, name)
	}
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
