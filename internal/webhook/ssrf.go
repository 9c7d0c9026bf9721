package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/wolftown/canis/internal/domain"
)

// ResolvedTarget pins the IP a URL's hostname resolved to at verification
// time, so the delivery request is sent to that exact address rather than
// re-resolving (and potentially rebinding to a different, unverified
// address) at request time.
type ResolvedTarget struct {
	Host string
	Addr string
}

// VerifyResolvedIP resolves rawURL's host and rejects it if the resolved
// address is loopback, private, link-local, or otherwise not a normal
// public host — the same check the original's ssrf::verify_resolved_ip
// performs before every delivery attempt.
func VerifyResolvedIP(ctx context.Context, rawURL string) (*ResolvedTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse webhook url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", domain.ErrWebhookSSRFBlocked, u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve webhook host: %w", err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: no addresses for host %q", domain.ErrWebhookSSRFBlocked, host)
	}

	for _, ip := range ips {
		if !isDisallowed(ip.IP) {
			return &ResolvedTarget{Host: host, Addr: ip.IP.String()}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q resolves only to disallowed addresses", domain.ErrWebhookSSRFBlocked, host)
}

func isDisallowed(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// Carrier-grade NAT (100.64.0.0/10) and the old Class E range are
		// not covered by net.IP's own helpers above.
		if ip4[0] == 100 && ip4[1]&0xc0 == 64 {
			return true
		}
		if ip4[0] >= 240 {
			return true
		}
	}
	return false
}
