package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeEndpoint wraps every rejection from ValidateEndpointURL.
var ErrUnsafeEndpoint = errors.New("unsafe endpoint url")

// Resolver looks up a host's addresses; net.LookupHost in production.
type Resolver func(host string) ([]string, error)

// EndpointPolicy decides which outbound URLs the platform may call, such as
// the notification sink.
type EndpointPolicy struct {
	RequireHTTPS bool
	Resolve      Resolver
}

// ValidateEndpointURL checks rawURL with the production policy: https only,
// and no private, loopback, link-local or unspecified addresses, checked on
// the literal host and on every resolved address.
func ValidateEndpointURL(rawURL string) error {
	return EndpointPolicy{RequireHTTPS: true, Resolve: net.LookupHost}.Validate(rawURL)
}

// Validate applies the policy to rawURL.
func (p EndpointPolicy) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrUnsafeEndpoint)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !p.RequireHTTPS:
	default:
		return fmt.Errorf("%w: scheme %q not allowed", ErrUnsafeEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrUnsafeEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL are not allowed", ErrUnsafeEndpoint)
	}

	host := u.Hostname()
	for _, b := range []string{"localhost", "metadata.google.internal", "metadata.google"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q is not allowed", ErrUnsafeEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	resolve := p.Resolve
	if resolve == nil {
		resolve = net.LookupHost
	}
	ips, err := resolve(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve host %s", ErrUnsafeEndpoint, host)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback addresses are not allowed", ErrUnsafeEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private addresses are not allowed", ErrUnsafeEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local addresses are not allowed", ErrUnsafeEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified addresses are not allowed", ErrUnsafeEndpoint)
	}
	return nil
}
