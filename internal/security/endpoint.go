package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Resolver looks up the addresses behind a host name. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ForwardTarget checks merchant forwarding URLs before payments are
// posted to them.
type ForwardTarget struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
	// AllowHTTP permits plain http. Only development setups want it.
	AllowHTTP bool
}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateForwardURL applies the production rules: https only, public
// addresses only.
func ValidateForwardURL(ctx context.Context, rawURL string) error {
	return ForwardTarget{}.Validate(ctx, rawURL)
}

// Validate rejects URLs that would leak payment data or reach internal
// services. Both literal and resolved addresses are checked.
func (t ForwardTarget) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && t.AllowHTTP:
	default:
		return fmt.Errorf("URL scheme %q is not allowed", u.Scheme)
	}
	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL must have a host")
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	r := t.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("cannot resolve URL host %q", host)
	}
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkAddr(a netip.Addr) error {
	a = a.Unmap()
	switch {
	case a.IsLoopback():
		return errors.New("loopback addresses are not allowed")
	case a.IsPrivate():
		return errors.New("private addresses are not allowed")
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return errors.New("link-local addresses are not allowed")
	case a.IsUnspecified():
		return errors.New("unspecified addresses are not allowed")
	case a.IsMulticast():
		return errors.New("multicast addresses are not allowed")
	}
	return nil
}
