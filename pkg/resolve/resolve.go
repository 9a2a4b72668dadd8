// Package resolve maps a browser credential to a VM and a VM to the address
// of its remote display.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrCredentialInvalid is returned when a credential matches no VM
	ErrCredentialInvalid = errors.New("invalid credential")

	// ErrEndpointUnavailable is returned when a VM has no reachable display
	ErrEndpointUnavailable = errors.New("display endpoint unavailable")
)

// UnavailableError explains why a VM has no display endpoint. It matches
// ErrEndpointUnavailable with errors.Is.
type UnavailableError struct {
	VMID   string
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s for vm %s: %s", ErrEndpointUnavailable, e.VMID, e.Reason)
}

// Is makes errors.Is(err, ErrEndpointUnavailable) true
func (e *UnavailableError) Is(target error) bool {
	return target == ErrEndpointUnavailable
}

func unavailable(vmID, reason string) error {
	return &UnavailableError{VMID: vmID, Reason: reason}
}

// Endpoint is the TCP address of a VM's remote display
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// CredentialResolver maps a credential token to a VM id
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, credential string) (vmID string, err error)
}

// EndpointResolver maps a VM id to its display endpoint
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, vmID string) (Endpoint, error)
}

// CredentialResolverFunc adapts a function to CredentialResolver
type CredentialResolverFunc func(ctx context.Context, credential string) (string, error)

// ResolveCredential calls f
func (f CredentialResolverFunc) ResolveCredential(ctx context.Context, credential string) (string, error) {
	return f(ctx, credential)
}

// EndpointResolverFunc adapts a function to EndpointResolver
type EndpointResolverFunc func(ctx context.Context, vmID string) (Endpoint, error)

// ResolveEndpoint calls f
func (f EndpointResolverFunc) ResolveEndpoint(ctx context.Context, vmID string) (Endpoint, error) {
	return f(ctx, vmID)
}

// StaticEndpoints is a fixed VM id to endpoint table
type StaticEndpoints map[string]Endpoint

// ResolveEndpoint looks vmID up in the table
func (s StaticEndpoints) ResolveEndpoint(ctx context.Context, vmID string) (Endpoint, error) {
	ep, ok := s[vmID]
	if !ok {
		return Endpoint{}, unavailable(vmID, "No VNC display found")
	}
	if ep.Port < 0 {
		return Endpoint{}, unavailable(vmID, "VNC port not yet assigned")
	}
	return ep, nil
}

// Chain tries each resolver in turn. The first result that is not
// ErrEndpointUnavailable is returned; if every resolver reports the endpoint
// unavailable, the last such error is returned.
type Chain []EndpointResolver

// ResolveEndpoint implements EndpointResolver
func (c Chain) ResolveEndpoint(ctx context.Context, vmID string) (Endpoint, error) {
	err := unavailable(vmID, "No VNC display found")
	for _, r := range c {
		ep, rerr := r.ResolveEndpoint(ctx, vmID)
		if rerr == nil {
			return ep, nil
		}
		if !errors.Is(rerr, ErrEndpointUnavailable) {
			return Endpoint{}, rerr
		}
		err = rerr
	}
	return Endpoint{}, err
}
