package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/sammck-go/guactunnel/pkg/logger"
)

// DefaultLibvirtSocket is libvirtd's local RPC socket
const DefaultLibvirtSocket = "/var/run/libvirt/libvirt-sock"

// DefaultDisplayHost is where libvirt's VNC servers listen
const DefaultDisplayHost = "127.0.0.1"

// errDomainNotFound is returned by a domainSource for an unknown domain
var errDomainNotFound = errors.New("domain not found")

// domainSource returns the run state and XML description of a domain
type domainSource interface {
	Domain(ctx context.Context, name string) (active bool, xml string, err error)
}

// LibvirtEndpoints resolves a VM id, taken as the libvirt domain name, to the
// VNC port of its first VNC graphics device.
type LibvirtEndpoints struct {
	logger      logger.Logger
	source      domainSource
	displayHost string
}

// NewLibvirtEndpoints creates a resolver that talks to libvirtd at socketPath.
// displayHost is the address the returned endpoints point at.
func NewLibvirtEndpoints(lg logger.Logger, socketPath, displayHost string) *LibvirtEndpoints {
	if socketPath == "" {
		socketPath = DefaultLibvirtSocket
	}
	return newLibvirtEndpoints(lg, &libvirtSource{socketPath: socketPath, dialTimeout: 5 * time.Second}, displayHost)
}

func newLibvirtEndpoints(lg logger.Logger, source domainSource, displayHost string) *LibvirtEndpoints {
	if displayHost == "" {
		displayHost = DefaultDisplayHost
	}
	return &LibvirtEndpoints{logger: lg, source: source, displayHost: displayHost}
}

// ResolveEndpoint implements EndpointResolver
func (l *LibvirtEndpoints) ResolveEndpoint(ctx context.Context, vmID string) (Endpoint, error) {
	active, xml, err := l.source.Domain(ctx, vmID)
	if err != nil {
		if errors.Is(err, errDomainNotFound) {
			return Endpoint{}, unavailable(vmID, "VM not found")
		}
		return Endpoint{}, l.logger.Errorf("libvirt lookup of %s failed: %w", vmID, err)
	}
	if !active {
		return Endpoint{}, unavailable(vmID, "VM is not running")
	}
	port, err := vncPort(xml)
	if err != nil {
		return Endpoint{}, unavailable(vmID, err.Error())
	}
	return Endpoint{Host: l.displayHost, Port: port}, nil
}

// vncPort extracts the port of the first VNC graphics device from a domain XML
// description.
func vncPort(xml string) (int, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(xml); err != nil {
		return 0, fmt.Errorf("unreadable domain description: %w", err)
	}
	if dom.Devices == nil {
		return 0, errors.New("No VNC display found")
	}
	for _, g := range dom.Devices.Graphics {
		if g.VNC == nil {
			continue
		}
		// autoport domains report -1, or no port at all, until the display is allocated
		if g.VNC.Port <= 0 {
			return 0, errors.New("VNC port not yet assigned")
		}
		return g.VNC.Port, nil
	}
	return 0, errors.New("No VNC display found")
}

// libvirtSource opens a fresh RPC connection per lookup
type libvirtSource struct {
	socketPath  string
	dialTimeout time.Duration
}

func (s *libvirtSource) Domain(ctx context.Context, name string) (bool, string, error) {
	d := net.Dialer{Timeout: s.dialTimeout}
	conn, err := d.DialContext(ctx, "unix", s.socketPath)
	if err != nil {
		return false, "", fmt.Errorf("unable to reach libvirtd: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	l := libvirt.New(conn)
	if err := l.Connect(); err != nil {
		conn.Close()
		return false, "", fmt.Errorf("libvirt connect failed: %w", err)
	}
	defer l.Disconnect()

	dom, err := l.DomainLookupByName(name)
	if err != nil {
		if libvirt.IsNotFound(err) {
			return false, "", errDomainNotFound
		}
		return false, "", err
	}
	active, err := l.DomainIsActive(dom)
	if err != nil {
		return false, "", err
	}
	if active == 0 {
		return false, "", nil
	}
	xml, err := l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return false, "", err
	}
	return true, xml, nil
}
