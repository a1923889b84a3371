package dkimscorer

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"blitiri.com.ar/go/zetian/internal/antiabuse"
	"blitiri.com.ar/go/zetian/internal/envelope"
	"blitiri.com.ar/go/zetian/internal/resolver"
	"blitiri.com.ar/go/zetian/internal/wire"
)

type fakeResolver struct{}

func (fakeResolver) LookupTXT(ctx context.Context, domain string) ([]string, error) { return nil, nil }
func (fakeResolver) LookupMX(ctx context.Context, domain string) ([]resolver.MX, error) {
	return nil, nil
}
func (fakeResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) { return nil, nil }

func TestCheckNoSignature(t *testing.T) {
	s := New(fakeResolver{})
	raw := "Subject: hi\r\nFrom: a@b\r\n\r\nbody\r\n"
	env := &envelope.Envelope{Raw: []byte(raw)}

	v, err := s.Check(context.Background(), env, &antiabuse.Session{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Score != 0 || v.IsSpam {
		t.Errorf("expected clean verdict for missing signature, got %+v", v)
	}
}

func TestCheckEmptyRaw(t *testing.T) {
	s := New(fakeResolver{})
	env := &envelope.Envelope{}

	v, err := s.Check(context.Background(), env, &antiabuse.Session{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Score != 0 {
		t.Errorf("expected neutral verdict for empty body, got %+v", v)
	}
}

// dkimKeyResolver answers a single TXT lookup with the RSA key from the
// RFC 6376 appendix C example.
type dkimKeyResolver struct{}

func (dkimKeyResolver) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	if domain == "brisbane._domainkey.example.com" {
		return []string{
			"v=DKIM1; p=MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQ" +
				"KBgQDwIRP/UC3SBsEmGqZ9ZJW3/DkMoGeLnQg1fWn7/zYt" +
				"IxN2SnFCjxOCKG9v3b4jYfcTNh5ijSsq631uBItLa7od+v" +
				"/RtdC2UzJ1lWT947qR+Rcac2gbto/NMqJ0fzfVjH4OuKhi" +
				"tdY9tf6mcwGjaNBcWToIMmPSPDdQPNUYckcQ2QIDAQAB",
		}, nil
	}
	return nil, nil
}

func (dkimKeyResolver) LookupMX(ctx context.Context, domain string) ([]resolver.MX, error) {
	return nil, nil
}

func (dkimKeyResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return nil, nil
}

// TestCheckThroughWirePipeline seals a DKIM-signed message through the
// actual wire dot-body reader (dot-stuffing and all), the same path
// doDATA/seal use to populate Envelope.Raw, instead of hand-constructing
// Raw with literal CRLF bytes. This is the only way to catch a codec bug
// that corrupts the line endings DKIM canonicalization depends on.
func TestCheckThroughWirePipeline(t *testing.T) {
	message := strings.ReplaceAll(
		`DKIM-Signature: v=1; a=rsa-sha256; s=brisbane; d=example.com;
      c=simple/simple; q=dns/txt; i=joe@football.example.com;
      h=Received : From : To : Subject : Date : Message-ID;
      bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
      b=AuUoFEfDxTDkHlLXSZEpZj79LICEps6eda7W3deTVFOk4yAUoqOB
      4nujc7YopdG5dWLSdNg6xNAZpOPr+kHxt1IrE+NahM6L/LbvaHut
      KVdkLLkpVaVVQPzeRDI009SO2Il5Lu7rDNH6mZckBdrIx0orEtZV
      4bmp/YzhwvcubU4=;
Received: from client1.football.example.com  [192.0.2.1]
      by submitserver.example.com with SUBMISSION;
      Fri, 11 Jul 2003 21:01:54 -0700 (PDT)
From: Joe SixPack <joe@football.example.com>
To: Suzie Q <suzie@shopping.example.net>
Subject: Is dinner ready?
Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)
Message-ID: <20030712040037.46341.5F8J@football.example.com>

Hi.

We lost the game. Are you hungry yet?

Joe.
`, "\n", "\r\n")

	// Feed the message through the DATA dot-body codec, the same as a
	// live connection would: dot-stuff it on the way in, then have the
	// wire reader undo it and hand back the raw bytes.
	dotStuffed := strings.ReplaceAll(message, "\r\n.", "\r\n..")
	wireInput := dotStuffed + ".\r\n"

	r := wire.NewReader(bytes.NewReader([]byte(wireInput)))
	raw, err := r.ReadDotBody(1 << 20)
	if err != nil {
		t.Fatalf("ReadDotBody: %v", err)
	}

	env := &envelope.Envelope{Raw: raw}
	s := New(dkimKeyResolver{})

	v, err := s.Check(context.Background(), env, &antiabuse.Session{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.IsSpam || v.Score != 0 {
		t.Errorf("expected a clean verdict for a validly signed message, got %+v", v)
	}
	if !strings.Contains(v.Reason, "1/1 valid") {
		t.Errorf("expected reason to report 1/1 valid, got %q", v.Reason)
	}
}
