package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// Limiter is a sliding-window admission check. Allow records the attempt only
// when it is admitted.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type Options struct {
	Window      time.Duration
	MaxRequests int
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.MaxRequests <= 0 {
		o.MaxRequests = 2
	}
	return o
}

// KeyFunc derives the rate-limit key for a request.
type KeyFunc func(r *http.Request) string

// ParseTrustedProxies accepts CIDRs and bare addresses.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// ClientKey returns a KeyFunc keyed on the connection's remote host.
// X-Real-IP and X-Forwarded-For are only read when the peer is one of the
// trusted proxies; anyone else could rotate them to dodge the limit.
func ClientKey(trusted []netip.Prefix) KeyFunc {
	isTrusted := func(addr netip.Addr) bool {
		addr = addr.Unmap()
		for _, prefix := range trusted {
			if prefix.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(r *http.Request) string {
		host := remoteHost(r)
		peer, err := netip.ParseAddr(host)
		if err != nil || !isTrusted(peer) {
			return host
		}

		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			if _, err := netip.ParseAddr(ip); err == nil {
				return ip
			}
		}

		// Walk the chain from the nearest hop and stop at the first address
		// our own proxies did not add.
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			hops := strings.Split(forwardedFor, ",")
			client := ""
			for i := len(hops) - 1; i >= 0; i-- {
				hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
				if err != nil {
					break
				}
				client = hop.String()
				if !isTrusted(hop) {
					break
				}
			}
			if client != "" {
				return client
			}
		}

		return host
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
