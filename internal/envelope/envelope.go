// Package envelope implements the sealed, immutable message unit produced
// by the session engine at the end of DATA/BDAT, plus the small set of
// address helpers used throughout the server.
package envelope

import (
	"fmt"
	"strings"
	"time"

	"blitiri.com.ar/go/zetian/internal/set"
)

// Split an user@domain address into user and domain.
func Split(addr string) (string, string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}

	return ps[0], ps[1]
}

// UserOf user@domain returns user.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf user@domain returns domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// DomainIn checks that the domain of the address is on the given set.
func DomainIn(addr string, locals *set.String) bool {
	domain := DomainOf(addr)
	if domain == "" {
		return true
	}

	return locals.Has(domain)
}

// AddHeader adds (prepends) a MIME header to the message. data is
// expected to use CRLF line endings (the format Envelope.Raw is kept
// in), and the prepended header follows suit.
func AddHeader(data []byte, k, v string) []byte {
	if len(v) > 0 {
		// If the value contains newlines, indent them properly.
		if v[len(v)-1] == '\n' {
			v = v[:len(v)-1]
		}
		v = strings.Replace(v, "\n", "\r\n\t", -1)
	}

	header := []byte(fmt.Sprintf("%s: %s\r\n", k, v))
	return append(header, data...)
}

// TLSState describes the TLS posture of the connection the envelope was
// received on.
type TLSState int

const (
	// TLSNone means the connection was never upgraded.
	TLSNone TLSState = iota
	// TLSIn means the inbound leg (client to us) was encrypted.
	TLSIn
	// TLSBothDirections means both legs were encrypted (used by the
	// courier when re-stamping a Received header after a relayed hop).
	TLSBothDirections
)

func (s TLSState) String() string {
	switch s {
	case TLSIn:
		return "in"
	case TLSBothDirections:
		return "both-directions"
	default:
		return "none"
	}
}

// Header is a single, parsed header field. Name preserves the case of
// first occurrence as received on the wire.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered, possibly-repeating list of header fields with
// case-insensitive lookup.
type Headers struct {
	fields []Header
}

// NewHeaders returns an empty header set.
func NewHeaders() *Headers {
	return &Headers{}
}

// Add appends a header, preserving insertion order and duplicates.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Header{Name: name, Value: value})
}

// Get returns the value of the first header matching name
// (case-insensitive), and whether it was found.
func (h *Headers) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// GetAll returns the values of every header matching name
// (case-insensitive), in insertion order.
func (h *Headers) GetAll(name string) []string {
	var vs []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vs = append(vs, f.Value)
		}
	}
	return vs
}

// All returns the full ordered list of header fields.
func (h *Headers) All() []Header {
	return h.fields
}

// Envelope is the accepted message unit: metadata plus a handle into the
// message store. It is immutable once the session engine has sealed it;
// nothing in this package mutates a *Envelope after construction.
type Envelope struct {
	// ID is opaque and unique, generated at DATA/BDAT completion.
	ID string

	// From is the reverse-path. Empty means a null sender (bounce).
	From string

	// Recipients is the ordered list of accepted <local@domain> addresses.
	Recipients []string

	SizeBytes       int64
	ReceivedAt      time.Time
	RemoteIP        string
	AuthenticatedID string // empty if the session was not authenticated
	EHLOName        string
	TLS             TLSState
	Headers         *Headers
	BodyRef         string // opaque handle into the MessageStore

	// Raw is the exact bytes received between "DATA\r\n"/BDAT chunks and
	// the terminating dot, i.e. the full RFC 5322 message (headers and
	// body). It is kept in memory only long enough for the anti-abuse
	// pipeline and MessageStore.Put to consume it.
	Raw []byte

	// SkipBounce marks an envelope synthesized as a bounce/DSN, so the
	// dispatcher never bounces a bounce.
	SkipBounce bool
}

// ParseHeaders splits raw RFC 5322 message bytes into its header block
// and body, returning the headers in an ordered, folding-aware Headers
// set. It does not validate header syntax beyond "name: value".
func ParseHeaders(raw []byte) *Headers {
	h := NewHeaders()

	text := string(raw)
	// Normalize line endings so both bare \n and \r\n sources work.
	text = strings.ReplaceAll(text, "\r\n", "\n")

	headerPart := text
	if i := strings.Index(text, "\n\n"); i >= 0 {
		headerPart = text[:i]
	}

	lines := strings.Split(headerPart, "\n")
	var name, value string
	flush := func() {
		if name != "" {
			h.Add(name, value)
		}
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && name != "" {
			// Folded continuation of the previous header.
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		name, value = "", ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			name = strings.TrimSpace(line[:i])
			value = strings.TrimSpace(line[i+1:])
		}
	}
	flush()

	return h
}

// IsBounce reports whether this envelope has a null sender, i.e. is
// itself a bounce/DSN message that must never be bounced again.
func (e *Envelope) IsBounce() bool {
	return e.From == ""
}
