// Package dmarcscorer adapts internal/dmarc into the antiabuse.Scorer
// interface. DMARC alignment is evaluated against SPF- and
// DKIM-authenticated domains, so the scorer runs its own SPF and DKIM
// checks; it does not depend on spfscorer or dkimscorer having run.
package dmarcscorer

import (
	"context"
	"net"
	"net/mail"

	"blitiri.com.ar/go/zetian/internal/antiabuse"
	"blitiri.com.ar/go/zetian/internal/dkim"
	"blitiri.com.ar/go/zetian/internal/dmarc"
	"blitiri.com.ar/go/zetian/internal/envelope"
	"blitiri.com.ar/go/zetian/internal/resolver"
	"blitiri.com.ar/go/zetian/internal/spf"
)

// Scorer resolves the DMARC record for the header From domain (the
// envelope's From domain when the message has no parseable From header)
// and evaluates alignment against fresh SPF/DKIM checks (re-run here rather
// than threaded from spfscorer/dkimscorer, since Scorer.Check has no
// channel to share state between pipeline stages).
type Scorer struct {
	Resolver  resolver.Resolver
	FailScore float64
}

// New returns a Scorer with the given resolver and a default fail score.
func New(res resolver.Resolver) *Scorer {
	return &Scorer{Resolver: res, FailScore: 6.0}
}

func (s *Scorer) Name() string { return "dmarc" }

func (s *Scorer) Check(ctx context.Context, env *envelope.Envelope, sess *antiabuse.Session) (antiabuse.Verdict, error) {
	if env.IsBounce() {
		return antiabuse.Verdict{Checker: s.Name(), Reason: "null sender, skipped"}, nil
	}

	fromDomain := envelope.DomainOf(env.From)
	if env.Headers != nil {
		if hf, ok := env.Headers.Get("From"); ok {
			if a, err := mail.ParseAddress(hf); err == nil {
				fromDomain = envelope.DomainOf(a.Address)
			}
		}
	}
	if fromDomain == "" {
		return antiabuse.Verdict{Checker: s.Name(), Reason: "no From domain"}, nil
	}

	record, err := dmarc.Lookup(ctx, s.Resolver, fromDomain)
	if err != nil {
		return antiabuse.Verdict{Checker: s.Name(), Reason: err.Error()}, err
	}
	if record == nil {
		return antiabuse.Verdict{Checker: s.Name(), Reason: "no DMARC record published"}, nil
	}

	spfAuth := s.spfAlignment(ctx, env, sess)
	dkimAuth := s.dkimAlignment(ctx, env)

	result := dmarc.Evaluate(record, fromDomain, spfAuth, dkimAuth)
	if result != dmarc.Fail {
		return antiabuse.Verdict{Checker: s.Name(), Reason: "dmarc=" + string(result)}, nil
	}

	policy := dmarc.AppliedPolicy(record, fromDomain)
	v := antiabuse.Verdict{
		Checker: s.Name(),
		Reason:  "dmarc=fail policy=" + string(policy),
	}
	switch policy {
	case dmarc.PolicyReject:
		v.Action = antiabuse.ActionReject
		v.Score = s.FailScore
		v.IsSpam = true
	case dmarc.PolicyQuarantine:
		v.Action = antiabuse.ActionQuarantine
		v.Score = s.FailScore / 2
		v.IsSpam = true
	default:
		// none: report-only, no score impact.
	}
	return v, nil
}

func (s *Scorer) spfAlignment(ctx context.Context, env *envelope.Envelope, sess *antiabuse.Session) dmarc.AuthDomain {
	ip := remoteIP(sess, env)
	if ip == nil || env.From == "" {
		return dmarc.AuthDomain{}
	}
	result, _ := spf.CheckHost(ctx, s.Resolver, ip, envelope.DomainOf(env.From))
	return dmarc.AuthDomain{Domain: envelope.DomainOf(env.From), Pass: result == spf.Pass}
}

func (s *Scorer) dkimAlignment(ctx context.Context, env *envelope.Envelope) dmarc.AuthDomain {
	if len(env.Raw) == 0 {
		return dmarc.AuthDomain{}
	}
	result, err := dkim.VerifyMessage(ctx, s.Resolver, string(env.Raw))
	if err != nil || result == nil {
		return dmarc.AuthDomain{}
	}
	for _, one := range result.Results {
		if one.State == dkim.SUCCESS {
			return dmarc.AuthDomain{Domain: one.Domain, Pass: true}
		}
	}
	return dmarc.AuthDomain{}
}

func remoteIP(sess *antiabuse.Session, env *envelope.Envelope) net.IP {
	if sess != nil && sess.RemoteIP != "" {
		return net.ParseIP(sess.RemoteIP)
	}
	return net.ParseIP(env.RemoteIP)
}
