// Package smtpclient implements the outbound half of SMTP: dialing a
// remote host, STARTTLS, optional SASL authentication, and delivering a
// message, for use by the relay dispatcher's delivery attempts.
//
// It extends net/smtp the same way chasquid's internal/smtp package
// does (SMTPUTF8 handling in MailAndRcpt), plus an Auth helper for
// outbound relays that need to authenticate to a smart host.
package smtpclient

import (
	"net"
	"net/smtp"
	"net/textproto"
	"unicode"

	"github.com/emersion/go-sasl"
	"golang.org/x/net/idna"
)

// Client wraps net/smtp.Client with SMTPUTF8-aware envelope commands.
type Client struct {
	*smtp.Client
}

// NewClient wraps an established connection as an SMTP client session.
func NewClient(conn net.Conn, host string) (*Client, error) {
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return nil, err
	}
	return &Client{c}, nil
}

func (c *Client) cmd(expectCode int, format string, args ...interface{}) (int, string, error) {
	id, err := c.Text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.Text.StartResponse(id)
	defer c.Text.EndResponse(id)
	return c.Text.ReadResponse(expectCode)
}

// MailAndRcpt issues MAIL FROM and RCPT TO, adding BODY=8BITMIME/SMTPUTF8
// as needed and supported by the remote.
func (c *Client) MailAndRcpt(from, to string) error {
	from, fromNeeds, err := c.prepareForSMTPUTF8(from)
	if err != nil {
		return err
	}
	to, toNeeds, err := c.prepareForSMTPUTF8(to)
	if err != nil {
		return err
	}
	needsUTF8 := fromNeeds || toNeeds

	cmdStr := "MAIL FROM:<%s>"
	if ok, _ := c.Extension("8BITMIME"); ok {
		cmdStr += " BODY=8BITMIME"
	}
	if needsUTF8 {
		cmdStr += " SMTPUTF8"
	}
	if _, _, err := c.cmd(250, cmdStr, from); err != nil {
		return err
	}

	_, _, err = c.cmd(25, "RCPT TO:<%s>", to)
	return err
}

// AuthPlain authenticates using SASL PLAIN, for smart hosts configured
// with stored credentials.
func (c *Client) AuthPlain(identity, username, password string) error {
	return c.Client.Auth(plainAuth{identity, username, password})
}

// plainAuth adapts go-sasl's PLAIN client to net/smtp.Auth, so the same
// go-sasl mechanism package backs both the inbound (session) and
// outbound (here) sides of authentication. PLAIN completes in a single
// round trip, so Next never expects a further challenge.
type plainAuth struct {
	identity, username, password string
}

func (a plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	c := sasl.NewPlainClient(a.identity, a.username, a.password)
	return c.Start()
}

func (a plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}

func (c *Client) prepareForSMTPUTF8(addr string) (string, bool, error) {
	if isASCII(addr) {
		return addr, false, nil
	}
	if ok, _ := c.Extension("SMTPUTF8"); ok {
		return addr, true, nil
	}

	user, domain, ok := splitAddr(addr)
	if !ok {
		return addr, true, &textproto.Error{Code: 599, Msg: "malformed address"}
	}
	if !isASCII(user) {
		return addr, true, &textproto.Error{Code: 599,
			Msg: "local part is not ASCII but server does not support SMTPUTF8"}
	}

	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return addr, true, &textproto.Error{Code: 599, Msg: "non-ASCII domain is not IDNA safe"}
	}
	return user + "@" + asciiDomain, false, nil
}

func splitAddr(addr string) (user, domain string, ok bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[:i], addr[i+1:], true
		}
	}
	return "", "", false
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// IsPermanent reports whether err (typically returned by a *Client
// command) represents a permanent (5xx) SMTP failure as opposed to a
// transient (4xx) one or a non-protocol error.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if tpErr, ok := err.(*textproto.Error); ok {
		return tpErr.Code >= 500 && tpErr.Code < 600
	}
	return false
}
