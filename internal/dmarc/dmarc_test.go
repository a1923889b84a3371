package dmarc

import "testing"

func TestOrgDomain(t *testing.T) {
	cases := []struct{ in, want string }{
		{"mail.sub.example.co.uk", "example.co.uk"},
		{"example.com", "example.com"},
		{"a.b.example.com", "example.com"},
	}
	for _, c := range cases {
		if got := OrgDomain(c.in); got != c.want {
			t.Errorf("OrgDomain(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseRecord(t *testing.T) {
	r, err := ParseRecord("v=DMARC1; p=reject; sp=quarantine; adkim=s; pct=50")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Policy != PolicyReject || r.SubdomainPolicy != PolicyQuarantine {
		t.Errorf("policy/sp = %v/%v", r.Policy, r.SubdomainPolicy)
	}
	if r.ADKIM != AlignStrict || r.ASPF != AlignRelaxed {
		t.Errorf("adkim/aspf = %v/%v", r.ADKIM, r.ASPF)
	}
	if r.Pct != 50 {
		t.Errorf("pct = %d, want 50", r.Pct)
	}
}

func TestParseRecordDefaults(t *testing.T) {
	r, err := ParseRecord("v=DMARC1; p=none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SubdomainPolicy != PolicyNone {
		t.Errorf("sp should default to p, got %v", r.SubdomainPolicy)
	}
	if r.Pct != 100 {
		t.Errorf("pct should default to 100, got %d", r.Pct)
	}
}

func TestParseRecordMissingPolicy(t *testing.T) {
	if _, err := ParseRecord("v=DMARC1; pct=100"); err == nil {
		t.Error("expected error for missing p=")
	}
}

func TestEvaluateAlignmentNeverSelfCompares(t *testing.T) {
	record := &Record{Policy: PolicyReject, ADKIM: AlignRelaxed, ASPF: AlignRelaxed, Pct: 100}

	// SPF passed, authenticated for a domain unrelated to From: must fail.
	res := Evaluate(record, "example.com", AuthDomain{Domain: "evil.com", Pass: true}, AuthDomain{})
	if res != Fail {
		t.Errorf("expected Fail for misaligned SPF domain, got %v", res)
	}

	// SPF passed and authenticated domain aligns (relaxed): should pass.
	res = Evaluate(record, "mail.example.com", AuthDomain{Domain: "example.com", Pass: true}, AuthDomain{})
	if res != Pass {
		t.Errorf("expected Pass for aligned SPF domain, got %v", res)
	}
}

func TestEvaluateDKIMAlignment(t *testing.T) {
	record := &Record{Policy: PolicyReject, ADKIM: AlignStrict, ASPF: AlignRelaxed, Pct: 100}

	res := Evaluate(record, "example.com", AuthDomain{}, AuthDomain{Domain: "example.com", Pass: true})
	if res != Pass {
		t.Errorf("expected Pass for strict DKIM alignment, got %v", res)
	}

	res = Evaluate(record, "sub.example.com", AuthDomain{}, AuthDomain{Domain: "example.com", Pass: true})
	if res != Fail {
		t.Errorf("expected Fail for strict DKIM alignment across subdomain, got %v", res)
	}
}

func TestAppliedPolicySubdomain(t *testing.T) {
	record := &Record{Policy: PolicyReject, SubdomainPolicy: PolicyQuarantine, Pct: 100}
	if got := AppliedPolicy(record, "sub.example.com"); got != PolicyQuarantine {
		t.Errorf("subdomain policy = %v, want quarantine", got)
	}
	if got := AppliedPolicy(record, "example.com"); got != PolicyReject {
		t.Errorf("org domain policy = %v, want reject", got)
	}
}
