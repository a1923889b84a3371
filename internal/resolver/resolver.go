// Package resolver provides the single, swappable DNS entry point used
// by SPF, DKIM, DMARC, and MX routing: the resolver is replaceable and
// accepts a configurable server list. It is backed by
// github.com/miekg/dns rather than the stdlib resolver so query
// timeouts, server selection, and record types are all under our
// control instead of the OS stub resolver's.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// ErrTemporary marks a lookup failure as transient (timeout, SERVFAIL, no
// reachable server) as opposed to a definitive "nothing there". Callers
// that need to distinguish a retryable DNS failure from a permanent one
// (SPF/DKIM/DMARC TempError vs PermFail) should check with errors.Is
// against this rather than type-asserting *net.DNSError, since this
// resolver is backed by github.com/miekg/dns and never returns one.
var ErrTemporary = errors.New("resolver: temporary failure")

// MX is a mail exchanger record: host plus preference (lower = preferred).
type MX struct {
	Host string
	Pref uint16
}

// Resolver is the interface every anti-abuse scorer and the relay router
// consume. Implementations must be safe for concurrent use.
type Resolver interface {
	LookupTXT(ctx context.Context, domain string) ([]string, error)
	LookupMX(ctx context.Context, domain string) ([]MX, error)
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// DNSResolver implements Resolver using github.com/miekg/dns against a
// configurable list of servers (host:port), tried in order on failure.
type DNSResolver struct {
	Servers []string // e.g. "8.8.8.8:53"; empty ⇒ "/etc/resolv.conf" servers
	Timeout time.Duration

	client *dns.Client
}

// NewDNSResolver returns a resolver that queries servers in order,
// falling back through the list on timeout or SERVFAIL. If servers is
// empty, the system's /etc/resolv.conf servers are used.
func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &DNSResolver{
		Servers: servers,
		Timeout: timeout,
		client:  &dns.Client{Timeout: timeout},
	}
	if len(r.Servers) == 0 {
		if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range conf.Servers {
				r.Servers = append(r.Servers, net.JoinHostPort(s, conf.Port))
			}
		}
	}
	return r
}

func (r *DNSResolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, server := range r.Servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			// A network-level failure (timeout, connection refused, ctx
			// deadline) is always transient: a retry or a different
			// server may well succeed.
			lastErr = fmt.Errorf("%w: %w", ErrTemporary, err)
			continue
		}
		if resp.Rcode == dns.RcodeServerFailure {
			lastErr = fmt.Errorf("%w: SERVFAIL from %s", ErrTemporary, server)
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no DNS servers configured", ErrTemporary)
	}
	return nil, lastErr
}

// LookupTXT returns the TXT record strings for domain (each TXT record's
// segments concatenated, matching net.LookupTXT's behavior).
func (r *DNSResolver) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeTXT)

	resp, err := r.exchange(ctx, m)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, joinTXT(txt.Txt))
		}
	}
	return out, nil
}

func joinTXT(segments []string) string {
	s := ""
	for _, seg := range segments {
		s += seg
	}
	return s
}

// LookupMX returns MX records for domain, sorted by ascending preference.
func (r *DNSResolver) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	resp, err := r.exchange(ctx, m)
	if err != nil {
		return nil, err
	}

	var out []MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pref < out[j].Pref })
	return out, nil
}

// LookupIP returns the A and AAAA addresses for host.
func (r *DNSResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		resp, err := r.exchange(ctx, m)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A)
			case *dns.AAAA:
				ips = append(ips, v.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: no addresses found for %s", host)
	}
	return ips, nil
}
