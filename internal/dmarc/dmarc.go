// Package dmarc implements DMARC policy lookup and alignment evaluation,
// per RFC 7489. It does not send or parse aggregate/failure reports
// (rua=/ruf=); it only resolves what action a policy demands for a
// message that has already been through SPF and DKIM evaluation.
package dmarc

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"blitiri.com.ar/go/zetian/internal/resolver"
	"golang.org/x/net/publicsuffix"
)

// Policy is the disposition a domain requests for messages that fail.
type Policy string

const (
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

// Alignment mode: strict requires exact domain equality, relaxed only
// requires the organizational domains to match.
type Alignment string

const (
	AlignStrict  Alignment = "s"
	AlignRelaxed Alignment = "r"
)

// Record is a parsed DMARC TXT record.
type Record struct {
	Policy          Policy
	SubdomainPolicy Policy // sp=; defaults to Policy if absent
	ADKIM           Alignment
	ASPF            Alignment
	Pct             int // 0-100, defaults to 100
}

// Result is the outcome of evaluating a message against a domain's
// DMARC policy.
type Result string

const (
	Pass      Result = "pass"
	Fail      Result = "fail"
	None      Result = "none" // no DMARC record published
	TempError Result = "temperror"
	PermError Result = "permerror"
)

// OrgDomain derives the organizational domain for domain: the
// registrable suffix plus one label, e.g. "mail.sub.example.co.uk" ->
// "example.co.uk".
func OrgDomain(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		// Unrecognized or malformed domain (e.g. a bare TLD); fall back
		// to the domain itself rather than erroring the whole check.
		return domain
	}
	return org
}

// Lookup fetches and parses the DMARC record for domain's organizational
// domain. It returns (nil, nil) if no record is published.
func Lookup(ctx context.Context, res resolver.Resolver, domain string) (*Record, error) {
	org := OrgDomain(domain)
	txts, err := res.LookupTXT(ctx, "_dmarc."+org)
	if err != nil {
		return nil, err
	}

	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=DMARC1") {
			return ParseRecord(txt)
		}
	}
	return nil, nil
}

// ParseRecord parses a DMARC TXT record value.
func ParseRecord(txt string) (*Record, error) {
	r := &Record{ADKIM: AlignRelaxed, ASPF: AlignRelaxed, Pct: 100}

	sawPolicy := false
	for _, tag := range strings.Split(txt, ";") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		k, v, ok := strings.Cut(tag, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)

		switch k {
		case "v":
			if v != "DMARC1" {
				return nil, fmt.Errorf("unsupported DMARC version %q", v)
			}
		case "p":
			p, err := parsePolicy(v)
			if err != nil {
				return nil, err
			}
			r.Policy = p
			sawPolicy = true
		case "sp":
			p, err := parsePolicy(v)
			if err != nil {
				return nil, err
			}
			r.SubdomainPolicy = p
		case "adkim":
			r.ADKIM = parseAlignment(v)
		case "aspf":
			r.ASPF = parseAlignment(v)
		case "pct":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n > 100 {
				return nil, fmt.Errorf("invalid pct=%q", v)
			}
			r.Pct = n
		}
	}

	if !sawPolicy {
		return nil, fmt.Errorf("missing required p= tag")
	}
	if r.SubdomainPolicy == "" {
		r.SubdomainPolicy = r.Policy
	}
	return r, nil
}

func parsePolicy(v string) (Policy, error) {
	switch Policy(v) {
	case PolicyNone, PolicyQuarantine, PolicyReject:
		return Policy(v), nil
	default:
		return "", fmt.Errorf("invalid policy %q", v)
	}
}

func parseAlignment(v string) Alignment {
	if v == "s" {
		return AlignStrict
	}
	return AlignRelaxed
}

// AuthDomain describes one authentication mechanism's outcome, for
// alignment purposes.
type AuthDomain struct {
	Domain string
	Pass   bool
}

// Evaluate checks whether fromDomain (the header-From domain) aligns
// with either the SPF-authenticated domain or a DKIM d= domain, per
// RFC 7489 section 3.1. DMARC passes iff (SPF aligned and SPF pass) or
// (DKIM aligned and DKIM pass); alignment itself never compares
// fromDomain to itself.
func Evaluate(record *Record, fromDomain string, spfAuth, dkimAuth AuthDomain) Result {
	if record == nil {
		return None
	}

	spfOK := spfAuth.Pass && aligned(record.ASPF, fromDomain, spfAuth.Domain)
	dkimOK := dkimAuth.Pass && aligned(record.ADKIM, fromDomain, dkimAuth.Domain)

	if spfOK || dkimOK {
		return Pass
	}
	return Fail
}

func aligned(mode Alignment, fromDomain, authDomain string) bool {
	if authDomain == "" {
		return false
	}
	if mode == AlignStrict {
		return strings.EqualFold(fromDomain, authDomain)
	}
	return strings.EqualFold(OrgDomain(fromDomain), OrgDomain(authDomain))
}

// AppliedPolicy returns the policy that actually governs fromDomain,
// accounting for the pct= roulette: a domain publishing pct=50 applies
// its policy to only half of failing messages (selected at random per
// message), the rest degrade to "none" (monitor only).
func AppliedPolicy(record *Record, fromDomain string) Policy {
	if record == nil {
		return PolicyNone
	}

	policy := record.Policy
	if !strings.EqualFold(fromDomain, OrgDomain(fromDomain)) {
		// fromDomain is a subdomain of the organizational domain.
		policy = record.SubdomainPolicy
	}

	if record.Pct >= 100 {
		return policy
	}
	if rand.Intn(100) >= record.Pct {
		return PolicyNone
	}
	return policy
}
