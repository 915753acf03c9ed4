package stream

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Resolver maps a host name to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// StaticResolver answers configured hosts from a fixed table and defers the
// rest to a fallback resolver.
type StaticResolver struct {
	overrides map[string][]netip.Addr
	fallback  Resolver
}

// NewStaticResolver builds a StaticResolver from host to IP overrides. A nil
// fallback uses net.DefaultResolver.
func NewStaticResolver(overrides map[string]string, fallback Resolver) (*StaticResolver, error) {
	if fallback == nil {
		fallback = net.DefaultResolver
	}
	table := make(map[string][]netip.Addr, len(overrides))
	for host, raw := range overrides {
		var addrs []netip.Addr
		for _, part := range strings.Split(raw, ",") {
			addr, err := netip.ParseAddr(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("dns override for %q: %w", host, err)
			}
			addrs = append(addrs, addr)
		}
		table[strings.ToLower(strings.TrimSuffix(host, "."))] = addrs
	}
	return &StaticResolver{overrides: table, fallback: fallback}, nil
}

// LookupNetIP implements Resolver.
func (r *StaticResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if addrs, ok := r.overrides[strings.ToLower(strings.TrimSuffix(host, "."))]; ok {
		return append([]netip.Addr(nil), addrs...), nil
	}
	return r.fallback.LookupNetIP(ctx, network, host)
}
