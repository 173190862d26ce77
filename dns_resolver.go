package carbonrelay

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	resolvConfPath   = "/etc/resolv.conf"
	dnsClientTimeout = 2 * time.Second
)

// systemTTLResolver implements TTLResolver with raw queries against the nameservers of the host
// resolver configuration, so record TTLs are visible. It falls back to the standard resolver
// when no TTL-bearing answer is found.
type systemTTLResolver struct {
	confPath string

	once   sync.Once
	cfg    *dns.ClientConfig
	cfgErr error

	client      *dns.Client
	stdResolver *net.Resolver
}

// newSystemTTLResolver builds a resolver reading its nameservers from /etc/resolv.conf.
func newSystemTTLResolver() *systemTTLResolver {
	return &systemTTLResolver{
		confPath:    resolvConfPath,
		client:      &dns.Client{Timeout: dnsClientTimeout},
		stdResolver: net.DefaultResolver,
	}
}

// Lookup returns the A and AAAA addresses of host and the minimum TTL among the answers. IP
// literals are returned as-is with a zero TTL.
func (r *systemTTLResolver) Lookup(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, 0, nil
	}

	host = strings.TrimSuffix(host, ".")
	addrs, ttl, err := r.lookupWithTTL(ctx, host)
	if err == nil && len(addrs) > 0 {
		return addrs, ttl, nil
	}

	ips, fallbackErr := r.stdResolver.LookupNetIP(ctx, "ip", host)
	if fallbackErr != nil {
		if err != nil {
			return nil, 0, errors.Join(err, fallbackErr)
		}
		return nil, 0, fallbackErr
	}
	return ips, 0, nil
}

// lookupWithTTL queries each configured nameserver until one yields addresses.
func (r *systemTTLResolver) lookupWithTTL(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	r.once.Do(func() {
		r.cfg, r.cfgErr = dns.ClientConfigFromFile(r.confPath)
	})
	if r.cfgErr != nil {
		return nil, 0, r.cfgErr
	}

	var (
		ttl     time.Duration
		ttlInit bool
		addrs   []netip.Addr
	)

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := dns.Msg{}
		msg.SetQuestion(dns.Fqdn(host), qtype)

		for _, server := range r.cfg.Servers {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}

			resp, _, err := r.client.ExchangeContext(ctx, &msg, net.JoinHostPort(server, r.cfg.Port))
			if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
				continue
			}

			found := false
			for _, ans := range resp.Answer {
				var ip netip.Addr
				var ok bool
				switch rr := ans.(type) {
				case *dns.A:
					ip, ok = netip.AddrFromSlice(rr.A)
				case *dns.AAAA:
					ip, ok = netip.AddrFromSlice(rr.AAAA)
				}
				if !ok {
					continue
				}
				addrs = append(addrs, ip.Unmap())
				found = true

				recordTTL := time.Duration(ans.Header().Ttl) * time.Second
				if !ttlInit || (recordTTL > 0 && recordTTL < ttl) {
					ttl = recordTTL
					ttlInit = true
				}
			}
			if found {
				// One answering server per record type is enough.
				break
			}
		}
	}

	if len(addrs) == 0 {
		return nil, 0, errors.New("no DNS answers with TTL")
	}
	return addrs, ttl, nil
}
