// Package resolver turns configured peer names into dialable addresses. It
// mirrors the asynchronous request/callback shape the overlay expects: each
// name produces at most one callback, with the resolved list or an empty list.
package resolver

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"heliochain/observability/logging"
)

const queryTimeout = 5 * time.Second

// Resolver resolves "host:port" strings through the system's DNS servers,
// falling back to the net package resolver when direct queries fail.
type Resolver struct {
	logger  *slog.Logger
	client  *dns.Client
	servers []string

	// lookup is swappable in tests.
	lookup func(ctx context.Context, host string) ([]netip.Addr, error)
}

// New builds a resolver seeded from /etc/resolv.conf. Missing or unreadable
// system configuration degrades to the net package resolver.
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		logger: logger.With(slog.String("component", "resolver")),
		client: &dns.Client{Timeout: queryTimeout},
	}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, server := range conf.Servers {
			r.servers = append(r.servers, net.JoinHostPort(server, conf.Port))
		}
	}
	r.lookup = r.query
	return r
}

// Resolve resolves each name concurrently and invokes cb exactly once per
// name. Names must be "host:port"; a bare IP host skips DNS entirely.
func (r *Resolver) Resolve(ctx context.Context, names []string, cb func(name string, addrs []netip.AddrPort)) {
	for _, name := range names {
		go func(name string) {
			cb(name, r.resolveOne(ctx, name))
		}(name)
	}
}

func (r *Resolver) resolveOne(ctx context.Context, name string) []netip.AddrPort {
	host, portStr, err := net.SplitHostPort(name)
	if err != nil {
		r.logger.Warn("Ignoring malformed peer name",
			logging.MaskField("name", name),
			slog.Any("error", err))
		return nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		r.logger.Warn("Ignoring peer name with bad port",
			logging.MaskField("name", name),
			slog.Any("error", err))
		return nil
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip, uint16(port))}
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		r.logger.Warn("Name resolution failed",
			logging.MaskField("name", name),
			slog.Any("error", err))
		return nil
	}
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, ip := range addrs {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
	}
	return out
}

// query resolves host through the configured DNS servers (A then AAAA),
// falling back to the net package resolver when no server answers.
func (r *Resolver) query(ctx context.Context, host string) ([]netip.Addr, error) {
	fqdn := dns.Fqdn(host)
	var addrs []netip.Addr
	for _, server := range r.servers {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			msg := new(dns.Msg)
			msg.SetQuestion(fqdn, qtype)
			reply, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil || reply == nil {
				continue
			}
			for _, rr := range reply.Answer {
				switch record := rr.(type) {
				case *dns.A:
					if ip, ok := netip.AddrFromSlice(record.A.To4()); ok {
						addrs = append(addrs, ip)
					}
				case *dns.AAAA:
					if ip, ok := netip.AddrFromSlice(record.AAAA); ok {
						addrs = append(addrs, ip)
					}
				}
			}
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return ips, nil
}
