// Package resolver turns the domain-name targets of SOCKS5 requests into
// IPv4 addresses by querying DNS servers directly with github.com/miekg/dns.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

const (
	defaultServer  = "8.8.8.8:53"
	defaultTimeout = 5 * time.Second
	resolvConf     = "/etc/resolv.conf"
)

var (
	// ErrNoRecords means the name exists in no form that yields an A record.
	ErrNoRecords = errors.New("no A records")
	// ErrLookupFailed means no server gave a usable answer.
	ErrLookupFailed = errors.New("dns lookup failed")
)

// Resolver resolves a name to a single IPv4 address.
type Resolver interface {
	Resolve(ctx context.Context, name string) (netip.Addr, error)
}

// Config configures a DNSResolver.
type Config struct {
	// Servers are queried in order. Entries without a port use 53. Empty
	// means the nameservers in /etc/resolv.conf, or 8.8.8.8.
	Servers []string
	// Timeout bounds each query.
	Timeout time.Duration
}

// DNSResolver sends A queries over UDP, retrying over TCP when the answer is
// truncated, and returns the first A record of the answer.
//
// Concurrent lookups of the same name share one query.
type DNSResolver struct {
	servers []string
	udp     *dns.Client
	tcp     *dns.Client
	sf      singleflight.Group
}

// New constructs a DNSResolver from cfg.
func New(cfg Config) (*DNSResolver, error) {
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = SystemServers()
	}

	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		normalized = append(normalized, s)
	}
	if len(normalized) == 0 {
		return nil, errors.New("resolver: no dns servers")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &DNSResolver{
		servers: normalized,
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
	}, nil
}

// SystemServers returns the nameservers listed in /etc/resolv.conf, or the
// fallback public resolver when the file is missing or empty.
func SystemServers() []string {
	cc, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(cc.Servers) == 0 {
		return []string{defaultServer}
	}

	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return servers
}

// Servers returns the servers queried, in order.
func (r *DNSResolver) Servers() []string {
	return r.servers
}

// Resolve returns the first IPv4 address for name. IPv4 literals are
// returned as is.
//
// Canceling ctx returns early; a query already in flight for other callers
// runs to completion.
func (r *DNSResolver) Resolve(ctx context.Context, name string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(name); err == nil && a.Is4() {
		return a, nil
	}

	fqdn := dns.Fqdn(strings.ToLower(name))
	ch := r.sf.DoChan(fqdn, func() (any, error) {
		return r.lookup(context.Background(), fqdn)
	})

	select {
	case <-ctx.Done():
		return netip.Addr{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return netip.Addr{}, res.Err
		}
		return res.Val.(netip.Addr), nil
	}
}

func (r *DNSResolver) lookup(ctx context.Context, fqdn string) (netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(fqdn, dns.TypeA)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, err := r.exchange(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}

		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return netip.Addr{}, fmt.Errorf("%s: %w (NXDOMAIN)", fqdn, ErrNoRecords)
		default:
			lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[in.Rcode])
			continue
		}

		if addr, ok := firstA(in.Answer); ok {
			return addr, nil
		}
		return netip.Addr{}, fmt.Errorf("%s: %w", fqdn, ErrNoRecords)
	}

	return netip.Addr{}, fmt.Errorf("%s: %w: %w", fqdn, ErrLookupFailed, lastErr)
}

func (r *DNSResolver) exchange(ctx context.Context, m *dns.Msg, server string) (*dns.Msg, error) {
	in, _, err := r.udp.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", server, err)
	}
	if !in.Truncated {
		return in, nil
	}

	in, _, err = r.tcp.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("query %s over tcp: %w", server, err)
	}
	return in, nil
}

// firstA returns the first A record in the answer section. CNAME records
// ahead of it are skipped; servers that recurse put the target's records in
// the same answer.
func firstA(answer []dns.RR) (netip.Addr, bool) {
	for _, rr := range answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
			return addr, true
		}
	}
	return netip.Addr{}, false
}
