package core

// core/nat_traversal.go
//
// NAT traversal for the libp2p listen port. Discovery probes the available
// gateway protocols (NAT-PMP first, UPnP second) and binds the manager to
// the first one that can report an external address; mapping and unmapping
// then go through that single backend instead of re-probing on every call.

import (
	"fmt"
	"net"
	"sync"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

const natLeaseSeconds = 3600

// natBackend is one gateway mapping protocol.
type natBackend interface {
	name() string
	externalIP() (net.IP, error)
	mapPort(port int) error
	unmapPort(port int) error
}

//---------------------------------------------------------------------
// NAT-PMP backend
//---------------------------------------------------------------------

type pmpBackend struct {
	client *natpmp.Client
}

func discoverPMP() (*pmpBackend, error) {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, err
	}
	return &pmpBackend{client: natpmp.NewClient(gw)}, nil
}

func (b *pmpBackend) name() string { return "nat-pmp" }

func (b *pmpBackend) externalIP() (net.IP, error) {
	res, err := b.client.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	addr := res.ExternalIPAddress
	return net.IPv4(addr[0], addr[1], addr[2], addr[3]), nil
}

func (b *pmpBackend) mapPort(port int) error {
	_, err := b.client.AddPortMapping("tcp", port, port, natLeaseSeconds)
	return err
}

func (b *pmpBackend) unmapPort(port int) error {
	// NAT-PMP removes a mapping by requesting a zero lifetime.
	_, err := b.client.AddPortMapping("tcp", port, 0, 0)
	return err
}

//---------------------------------------------------------------------
// UPnP backend
//---------------------------------------------------------------------

type upnpBackend struct {
	client *internetgateway1.WANIPConnection1
	ip     string
}

func discoverUPnP() (*upnpBackend, error) {
	clients, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("nat_traversal: no UPnP gateway")
	}
	return &upnpBackend{client: clients[0]}, nil
}

func (b *upnpBackend) name() string { return "upnp" }

func (b *upnpBackend) externalIP() (net.IP, error) {
	ipStr, err := b.client.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("nat_traversal: bad external ip %q", ipStr)
	}
	b.ip = ipStr
	return ip, nil
}

func (b *upnpBackend) mapPort(port int) error {
	return b.client.AddPortMapping("", uint16(port), "TCP", uint16(port), b.ip, true, "gridfabric", natLeaseSeconds)
}

func (b *upnpBackend) unmapPort(port int) error {
	return b.client.DeletePortMapping("", uint16(port), "TCP")
}

//---------------------------------------------------------------------
// Manager
//---------------------------------------------------------------------

// NATManager holds the chosen gateway backend and the port mapped through
// it.
type NATManager struct {
	mu         sync.Mutex
	backend    natBackend
	ip         net.IP
	mappedPort int
}

// NewNATManager probes the gateway protocols in order and binds to the
// first that reports an external address.
func NewNATManager() (*NATManager, error) {
	probes := []func() (natBackend, error){
		func() (natBackend, error) { return discoverPMP() },
		func() (natBackend, error) { return discoverUPnP() },
	}

	for _, probe := range probes {
		backend, err := probe()
		if err != nil {
			continue
		}
		ip, err := backend.externalIP()
		if err != nil {
			continue
		}
		return &NATManager{backend: backend, ip: ip}, nil
	}
	return nil, fmt.Errorf("nat_traversal: gateway not found")
}

// ExternalIP returns the detected public IP address.
func (m *NATManager) ExternalIP() net.IP { return m.ip }

// Backend names the protocol in use.
func (m *NATManager) Backend() string { return m.backend.name() }

// Map opens the given TCP port on the gateway, replacing any port this
// manager mapped before.
func (m *NATManager) Map(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mappedPort != 0 && m.mappedPort != port {
		_ = m.backend.unmapPort(m.mappedPort)
		m.mappedPort = 0
	}
	if err := m.backend.mapPort(port); err != nil {
		return fmt.Errorf("nat_traversal: mapping via %s failed: %w", m.backend.name(), err)
	}
	m.mappedPort = port
	return nil
}

// Unmap removes the previously mapped port.
func (m *NATManager) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mappedPort == 0 {
		return nil
	}
	port := m.mappedPort
	m.mappedPort = 0
	return m.backend.unmapPort(port)
}
