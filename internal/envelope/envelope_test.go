package envelope

import (
	"testing"

	"blitiri.com.ar/go/zetian/internal/set"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		addr, user, domain string
	}{
		{"lalala@lelele", "lalala", "lelele"},
	}

	for _, c := range cases {
		if user := UserOf(c.addr); user != c.user {
			t.Errorf("%q: expected user %q, got %q", c.addr, c.user, user)
		}
		if domain := DomainOf(c.addr); domain != c.domain {
			t.Errorf("%q: expected domain %q, got %q",
				c.addr, c.domain, domain)
		}
	}
}

func TestDomainIn(t *testing.T) {
	ls := set.NewString("domain1", "domain2")
	cases := []struct {
		addr string
		in   bool
	}{
		{"u@domain1", true},
		{"u@domain2", true},
		{"u@domain3", false},
		{"u", true},
	}
	for _, c := range cases {
		if in := DomainIn(c.addr, ls); in != c.in {
			t.Errorf("%q: expected %v, got %v", c.addr, c.in, in)
		}
	}
}

func TestHeadersPreservesOrderAndCase(t *testing.T) {
	h := NewHeaders()
	h.Add("Subject", "hi")
	h.Add("X-Spam-Flag", "YES")
	h.Add("subject", "again") // different case, same name

	v, ok := h.Get("SUBJECT")
	if !ok || v != "hi" {
		t.Errorf("Get(SUBJECT) = %q, %v; want %q, true", v, ok, "hi")
	}

	all := h.GetAll("subject")
	if len(all) != 2 || all[0] != "hi" || all[1] != "again" {
		t.Errorf("GetAll(subject) = %v; want [hi again]", all)
	}

	if got := h.All()[0].Name; got != "Subject" {
		t.Errorf("first header name = %q, want %q (case of first occurrence)", got, "Subject")
	}
}

func TestParseHeaders(t *testing.T) {
	raw := []byte("Subject: hi\r\nFrom: a@b\r\nTo: c@d,\r\n  e@f\r\n\r\nbody text\r\n")
	h := ParseHeaders(raw)

	if v, ok := h.Get("subject"); !ok || v != "hi" {
		t.Errorf("subject = %q, %v", v, ok)
	}
	if v, ok := h.Get("to"); !ok || v != "c@d, e@f" {
		t.Errorf("folded to = %q, %v", v, ok)
	}
	if len(h.All()) != 3 {
		t.Errorf("expected 3 headers, got %d: %v", len(h.All()), h.All())
	}
}

func TestTLSStateString(t *testing.T) {
	cases := []struct {
		s    TLSState
		want string
	}{
		{TLSNone, "none"},
		{TLSIn, "in"},
		{TLSBothDirections, "both-directions"},
	}
	for _, c := range cases {
		if got := c.s.String(); got != c.want {
			t.Errorf("%v.String() = %q, want %q", c.s, got, c.want)
		}
	}
}
