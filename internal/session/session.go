package session

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/zetian/internal/envelope"
	"blitiri.com.ar/go/zetian/internal/wire"
	"github.com/google/uuid"
)

// maxConsecutiveErrors is the number of 4xx/5xx replies in a row that
// cause the session to be dropped with 421.
const maxConsecutiveErrors = 5

// Session runs the ESMTP state machine for a single connection.
type Session struct {
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer

	policy    *Policy
	callbacks Callbacks

	state    State
	tlsState envelope.TLSState
	authID   string // bound identity once authenticated; "" otherwise

	ehloName   string
	mailFrom   string
	mailFromOK bool // MAIL FROM has been issued this transaction
	recipients []string

	rec SessionRecord

	errCount int
	bdatBuf  []byte
}

// New creates a Session bound to conn. The caller must call Handle to run
// the protocol loop; Handle takes care of closing conn on return.
func New(conn net.Conn, policy *Policy, callbacks Callbacks) *Session {
	return &Session{
		conn:      conn,
		reader:    wire.NewReader(conn),
		writer:    wire.NewWriter(conn),
		policy:    policy,
		callbacks: callbacks,
		state:     Greeted,
		rec: SessionRecord{
			RemoteAddr: conn.RemoteAddr(),
			StartedAt:  time.Now(),
		},
	}
}

// Handle runs the session loop to completion (QUIT, error, or timeout),
// then closes the connection.
func (s *Session) Handle() Outcome {
	defer s.conn.Close()

	if _, ok := s.conn.(*tls.Conn); ok {
		s.tlsState = envelope.TLSIn
	}

	if s.callbacks.OnSessionStart != nil {
		s.callbacks.OnSessionStart(&s.rec)
	}
	defer func() {
		s.rec.EndedAt = time.Now()
		s.rec.AuthenticatedID = s.authID
		if s.callbacks.OnSessionEnd != nil {
			s.callbacks.OnSessionEnd(&s.rec)
		}
	}()

	s.setDeadline(s.policy.ConnectionTimeout)
	banner := s.policy.Banner
	if banner == "" {
		banner = s.policy.ServerName
	}
	if err := s.writer.WriteReply(220, fmt.Sprintf("%s ESMTP", banner)); err != nil {
		return Outcome{Record: s.rec, Err: err}
	}

	var lastErr error
loop:
	for {
		s.setDeadline(s.policy.CommandTimeout)

		cmd, err := s.reader.ReadCommand()
		if err == wire.ErrLineTooLong {
			if s.reply(500, "line too long") {
				break loop
			}
			continue
		}
		if err != nil {
			lastErr = err
			break loop
		}

		var code int
		var msg string

		switch cmd.Verb {
		case "HELO":
			code, msg = s.doHELO(cmd.Params)
		case "EHLO":
			code, msg = s.doEHLO(cmd.Params)
		case "MAIL":
			code, msg = s.doMAIL(cmd.Params)
		case "RCPT":
			code, msg = s.doRCPT(cmd.Params)
		case "DATA":
			code, msg = s.doDATA()
		case "BDAT":
			code, msg = s.doBDAT(cmd.Params)
		case "STARTTLS":
			code, msg = s.doSTARTTLS()
		case "AUTH":
			code, msg = s.doAUTH(cmd.Params)
		case "RSET":
			s.resetTransaction()
			code, msg = 250, "2.0.0 OK"
		case "NOOP":
			code, msg = 250, "2.0.0 OK"
		case "VRFY":
			code, msg = 252, "2.5.2 Cannot VRFY; just send something"
		case "HELP":
			code, msg = 214, "2.0.0 See RFC 5321"
		case "QUIT":
			_ = s.writer.WriteReply(221, "2.0.0 Bye")
			break loop
		default:
			code, msg = 500, "5.5.1 Unknown command"
		}

		if code == 0 {
			continue
		}
		if s.reply(code, msg) {
			break loop
		}
	}

	return Outcome{Record: s.rec, Err: lastErr}
}

// reply writes the response and tracks the consecutive-error counter,
// returning true if the session must close now.
func (s *Session) reply(code int, msg string) (shouldClose bool) {
	if err := s.writer.WriteReply(code, msg); err != nil {
		return true
	}

	if code >= 400 {
		s.errCount++
		if s.errCount >= maxConsecutiveErrors {
			_ = s.writer.WriteReply(421, "4.5.0 too many errors, bye")
			return true
		}
	} else {
		s.errCount = 0
	}
	return false
}

func (s *Session) setDeadline(d time.Duration) {
	if d > 0 {
		s.conn.SetDeadline(time.Now().Add(d))
	}
}

func (s *Session) doHELO(params string) (int, string) {
	name := strings.TrimSpace(params)
	if name == "" {
		return 501, "5.5.4 HELO requires a hostname"
	}
	s.ehloName = name
	s.state = HeloDone
	s.resetTransaction()
	return 250, s.policy.ServerName
}

func (s *Session) doEHLO(params string) (int, string) {
	name := strings.TrimSpace(params)
	if name == "" {
		return 501, "5.5.4 EHLO requires a hostname"
	}
	s.ehloName = name
	s.state = HeloDone
	s.resetTransaction()

	caps := []string{s.policy.ServerName}
	caps = append(caps, "PIPELINING", "8BITMIME")
	if s.policy.MaxMessageSize > 0 {
		caps = append(caps, fmt.Sprintf("SIZE %d", s.policy.MaxMessageSize))
	}
	if s.policy.TLSConfig != nil && s.tlsState == envelope.TLSNone {
		caps = append(caps, "STARTTLS")
	}
	if s.policy.advertiseAuth(s.tlsState != envelope.TLSNone) && s.authID == "" && s.callbacks.OnAuthenticate != nil {
		caps = append(caps, "AUTH "+strings.Join(s.policy.AuthenticationMechanisms, " "))
	}
	caps = append(caps, "SMTPUTF8", "CHUNKING", "BINARYMIME", "ENHANCEDSTATUSCODES")

	return 250, strings.Join(caps, "\n")
}

func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.mailFromOK = false
	s.recipients = nil
}

func (s *Session) requireAuthIfMandated() bool {
	return s.policy.RequireAuthentication && s.authID == ""
}

func (s *Session) doMAIL(params string) (int, string) {
	if s.state < HeloDone {
		return 503, "5.5.1 send HELO/EHLO first"
	}
	if s.requireAuthIfMandated() {
		return 550, "5.7.1 authentication required"
	}
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 501, "5.5.4 malformed MAIL command"
	}

	rest := strings.TrimSpace(params[len("from:"):])
	addrPart := rest
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		addrPart = rest[:i]
	}

	var from string
	if strings.ReplaceAll(addrPart, " ", "") == "<>" {
		from = ""
	} else {
		e, err := mail.ParseAddress(addrPart)
		if err != nil || e.Address == "" {
			return 501, "5.1.7 sender address malformed"
		}
		if !strings.Contains(e.Address, "@") {
			return 501, "5.1.8 sender address must contain a domain"
		}
		if len(e.Address) > 256 {
			return 501, "5.1.7 sender address too long"
		}
		from = e.Address
	}

	s.resetTransaction()
	s.mailFrom = from
	s.mailFromOK = true
	s.state = MailFrom
	return 250, "2.1.5 OK"
}

func (s *Session) doRCPT(params string) (int, string) {
	if !s.mailFromOK {
		return 503, "5.5.1 send MAIL FROM first"
	}
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 501, "5.5.4 malformed RCPT command"
	}
	if len(s.recipients) >= s.policy.MaxRecipients && s.policy.MaxRecipients > 0 {
		return 452, "4.5.3 too many recipients"
	}

	rest := strings.TrimSpace(params[len("to:"):])
	addrPart := rest
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		addrPart = rest[:i]
	}
	e, err := mail.ParseAddress(addrPart)
	if err != nil || e.Address == "" {
		return 501, "5.1.3 recipient address malformed"
	}

	if s.callbacks.OnRcpt != nil {
		if err := s.callbacks.OnRcpt(&s.rec, s.mailFrom, e.Address, s.authID != ""); err != nil {
			return 550, "5.7.1 " + err.Error()
		}
	}

	s.recipients = append(s.recipients, e.Address)
	s.state = RcptTo
	return 250, "2.1.5 OK"
}

func (s *Session) doDATA() (int, string) {
	if len(s.recipients) == 0 {
		return 503, "5.5.1 need RCPT before DATA"
	}

	if err := s.writer.WriteReply(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return 0, ""
	}
	s.setDeadline(s.policy.DataTimeout)

	body, err := s.reader.ReadDotBody(s.policy.MaxMessageSize)
	if err == wire.ErrTooLarge {
		return 552, "5.3.4 message too large"
	}
	if err != nil {
		return 0, ""
	}

	return s.seal(body)
}

// doBDAT implements CHUNKING (RFC 3030). It accumulates chunks in memory
// until LAST, then seals the envelope exactly like DATA.
func (s *Session) doBDAT(params string) (int, string) {
	if len(s.recipients) == 0 {
		return 503, "5.5.1 need RCPT before BDAT"
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		return 501, "5.5.4 malformed BDAT"
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || n < 0 {
		return 501, "5.5.4 malformed BDAT size"
	}
	last := len(fields) > 1 && strings.EqualFold(fields[1], "LAST")

	chunk, err := s.reader.ReadChunk(n)
	if err != nil {
		return 0, ""
	}
	s.bdatBuf = append(s.bdatBuf, chunk...)

	if int64(len(s.bdatBuf)) > s.policy.MaxMessageSize && s.policy.MaxMessageSize > 0 {
		s.bdatBuf = nil
		return 552, "5.3.4 message too large"
	}

	if !last {
		return 250, "2.0.0 OK"
	}

	body := s.bdatBuf
	s.bdatBuf = nil
	return s.seal(body)
}

func (s *Session) seal(body []byte) (int, string) {
	env := &envelope.Envelope{
		ID:         uuid.NewString(),
		From:       s.mailFrom,
		Recipients: append([]string(nil), s.recipients...),
		SizeBytes:  int64(len(body)),
		ReceivedAt: time.Now().UTC(),
		EHLOName:   s.ehloName,
		TLS:        s.tlsState,
		Headers:    envelope.ParseHeaders(body),
		Raw:        body,
	}
	if tcp, ok := s.rec.RemoteAddr.(*net.TCPAddr); ok {
		env.RemoteIP = tcp.IP.String()
	}
	if s.authID != "" {
		env.AuthenticatedID = s.authID
	}

	s.resetTransaction()
	s.state = HeloDone
	s.rec.MessageCount++

	if s.callbacks.OnMessage == nil {
		return 250, "2.0.0 Queued"
	}

	verdict, err := s.callbacks.OnMessage(env)
	if err != nil {
		log.Errorf("session %s: on_message callback failed: %v", env.ID, err)
		return 451, "4.3.0 internal error, try again"
	}

	switch verdict.Action {
	case ActionReject:
		return 550, "5.7.1 " + verdict.Reason
	case ActionQuarantine, ActionMark, ActionNone:
		return 250, "2.0.0 Queued"
	default:
		return 250, "2.0.0 Queued"
	}
}

func (s *Session) doSTARTTLS() (int, string) {
	if s.policy.TLSConfig == nil {
		return 502, "5.5.1 STARTTLS not supported"
	}
	if s.tlsState != envelope.TLSNone {
		return 503, "5.5.1 already in TLS"
	}

	if err := s.writer.WriteReply(220, "2.0.0 Go ahead"); err != nil {
		return 0, ""
	}

	tconn := tls.Server(s.conn, s.policy.TLSConfig)
	if err := tconn.Handshake(); err != nil {
		log.Errorf("STARTTLS handshake failed: %v", err)
		return 0, ""
	}

	s.conn = tconn
	s.reader = wire.NewReader(tconn)
	s.writer = wire.NewWriter(tconn)
	s.tlsState = envelope.TLSIn

	// RFC 3207: discard prior state; client must re-issue EHLO.
	s.state = Greeted
	s.ehloName = ""
	s.resetTransaction()

	return 0, "" // reply already sent; caller sends nothing further
}
