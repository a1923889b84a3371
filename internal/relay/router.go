package relay

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"

	"blitiri.com.ar/go/zetian/internal/resolver"
	"golang.org/x/net/idna"
)

// Target is one concrete delivery destination: either "local" (hand to
// the message store, no outbound connection) or a remote host/port to
// dial.
type Target struct {
	Local bool

	Host        string
	Port        int
	UseTLS      bool
	UseStartTLS bool
	Username    string
	Password    string

	// SourceName identifies the SmartHost/MX this candidate came from,
	// for tracing and metrics labels.
	SourceName string
}

// ErrNoRoute means none of route selection's six steps produced a
// candidate: a permanent failure.
var ErrNoRoute = fmt.Errorf("relay: no route to domain")

// Router implements domain -> delivery target route selection: local
// delivery first, then explicit domain routing, configured smart hosts
// (by priority and weight), MX lookup, and finally the default smart host.
type Router struct {
	cfg Config
	res resolver.Resolver
}

// NewRouter builds a Router bound to cfg and res.
func NewRouter(cfg Config, res resolver.Resolver) *Router {
	return &Router{cfg: cfg.withDefaults(), res: res}
}

// Candidates returns the ordered list of delivery targets to try for
// domain. The dispatcher walks the list in order, removing a candidate
// and trying the next on connect/handshake failure.
func (r *Router) Candidates(ctx context.Context, domain string) ([]Target, error) {
	// Step 1: local delivery.
	if r.cfg.LocalDomains != nil && r.cfg.LocalDomains(domain) {
		return []Target{{Local: true}}, nil
	}

	// Step 2: explicit per-domain smart host.
	if r.cfg.DomainRouting != nil {
		if name, ok := r.cfg.DomainRouting[domain]; ok {
			for _, sh := range r.cfg.SmartHosts {
				if sh.Name == name && sh.Enabled {
					return []Target{targetFromSmartHost(sh)}, nil
				}
			}
		}
	}

	// Step 3: weighted priority selection across enabled smart hosts.
	if t := r.weightedSmartHosts(); len(t) > 0 {
		return t, nil
	}

	// Step 4: MX routing.
	if r.cfg.UseMxRouting {
		targets, err := r.mxTargets(ctx, domain)
		if err != nil {
			return nil, err
		}
		if len(targets) > 0 {
			return targets, nil
		}
	}

	// Step 5: default smart host.
	if r.cfg.DefaultSmartHost != nil && r.cfg.DefaultSmartHost.Enabled {
		return []Target{targetFromSmartHost(*r.cfg.DefaultSmartHost)}, nil
	}

	// Step 6: no route.
	return nil, ErrNoRoute
}

func targetFromSmartHost(sh SmartHost) Target {
	return Target{
		Host:        sh.Host,
		Port:        sh.Port,
		UseTLS:      sh.UseTLS,
		UseStartTLS: sh.UseStartTLS,
		Username:    sh.Username,
		Password:    sh.Password,
		SourceName:  sh.Name,
	}
}

// weightedSmartHosts groups enabled hosts by priority (ascending, lowest
// tried first) and within each group orders them by a weighted random
// draw without replacement, so the dispatcher's linear walk reproduces
// "select with probability proportional to weight; on failure, remove
// and retry within the group".
func (r *Router) weightedSmartHosts() []Target {
	groups := map[int][]SmartHost{}
	for _, sh := range r.cfg.SmartHosts {
		if !sh.Enabled {
			continue
		}
		groups[sh.Priority] = append(groups[sh.Priority], sh)
	}
	if len(groups) == 0 {
		return nil
	}

	priorities := make([]int, 0, len(groups))
	for p := range groups {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	var out []Target
	for _, p := range priorities {
		for _, sh := range weightedShuffle(groups[p]) {
			out = append(out, targetFromSmartHost(sh))
		}
	}
	return out
}

// weightedShuffle repeatedly draws without replacement, each remaining
// host's draw probability proportional to its Weight, producing the
// order the router tries hosts within one priority group.
func weightedShuffle(hosts []SmartHost) []SmartHost {
	remaining := append([]SmartHost(nil), hosts...)
	out := make([]SmartHost, 0, len(hosts))
	for len(remaining) > 0 {
		total := 0
		for _, h := range remaining {
			w := h.Weight
			if w <= 0 {
				w = 1
			}
			total += w
		}
		pick := rand.Intn(total)
		idx := 0
		for i, h := range remaining {
			w := h.Weight
			if w <= 0 {
				w = 1
			}
			if pick < w {
				idx = i
				break
			}
			pick -= w
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

// mxTargets resolves domain's MX records, sorted by preference (ties
// randomized), falling back to the domain's own A/AAAA as an implicit
// MX when no MX record exists.
func (r *Router) mxTargets(ctx context.Context, domain string) ([]Target, error) {
	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, fmt.Errorf("relay: domain %q is not IDNA safe: %w", domain, err)
	}

	mxs, err := r.res.LookupMX(ctx, asciiDomain)
	if err != nil {
		return nil, fmt.Errorf("relay: MX lookup for %q: %w", domain, err)
	}

	if len(mxs) == 0 {
		if _, err := r.res.LookupIP(ctx, asciiDomain); err != nil {
			return nil, nil
		}
		return []Target{{Host: asciiDomain, Port: 25, SourceName: "mx:" + asciiDomain}}, nil
	}

	sort.SliceStable(mxs, func(i, j int) bool {
		if mxs[i].Pref != mxs[j].Pref {
			return mxs[i].Pref < mxs[j].Pref
		}
		return rand.Intn(2) == 0
	})

	targets := make([]Target, len(mxs))
	for i, mx := range mxs {
		targets[i] = Target{Host: mx.Host, Port: 25, SourceName: "mx:" + mx.Host}
	}
	return targets, nil
}

// relayAllowed is the relay authorization check, for the session layer
// to call at RCPT time.
func relayAllowed(domain, remoteIP string, cfg Config, authenticated bool) bool {
	if cfg.LocalDomains != nil && cfg.LocalDomains(domain) {
		return true
	}
	if cfg.RelayDomains != nil && cfg.RelayDomains(domain) {
		return true
	}
	if authenticated {
		return true
	}
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return false
	}
	for _, cidr := range cfg.RelayNetworks {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err == nil && ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// RelayAllowed reports whether a session authorized as described (its
// client IP and authentication state) may relay to domain.
func (r *Router) RelayAllowed(domain, remoteIP string, authenticated bool) bool {
	return relayAllowed(domain, remoteIP, r.cfg, authenticated)
}
