// Package session implements the per-connection ESMTP protocol state
// machine: command dispatch, pipelining, STARTTLS, AUTH, DATA/BDAT
// ingestion and backpressure. It knows nothing about storage, relaying,
// or anti-abuse scoring directly; those are reached through the
// Callbacks the embedder supplies.
package session

import (
	"crypto/tls"
	"net"
	"time"

	"blitiri.com.ar/go/zetian/internal/envelope"
)

// State is the primary transaction state.
type State int

const (
	Greeted State = iota
	HeloDone
	MailFrom
	RcptTo
	Data
)

func (s State) String() string {
	switch s {
	case Greeted:
		return "greeted"
	case HeloDone:
		return "helo-done"
	case MailFrom:
		return "mail-from"
	case RcptTo:
		return "rcpt-to"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Action is the disposition the anti-abuse pipeline assigns to a message.
type Action int

const (
	ActionNone Action = iota
	ActionMark
	ActionQuarantine
	ActionReject
)

// Verdict is the anti-abuse pipeline's output for one envelope.
type Verdict struct {
	Action Action
	Reason string
	Score  float64
}

// AuthResult is returned by the embedder's authentication callback.
type AuthResult struct {
	OK       bool
	Identity string // bound identity on success, e.g. "user@domain"
	Err      error  // non-nil ⇒ temporary failure (454), distinct from OK=false (535)
}

// SessionRecord is passed to on_session_start/on_session_end.
type SessionRecord struct {
	RemoteAddr      net.Addr
	StartedAt       time.Time
	EndedAt         time.Time
	BytesIn         int64
	BytesOut        int64
	MessageCount    int
	AuthenticatedID string
}

// Callbacks is the embedder-supplied behavior the session engine invokes
// at well-defined points. None are required to be set; a nil callback is
// treated as "allow"/"no-op" where that makes sense, except OnAuthenticate,
// which must be set for AUTH to be advertised at all.
type Callbacks struct {
	// OnMessage is invoked once per sealed envelope (after DATA/BDAT
	// completion), before the pipeline's action is mapped to a reply.
	OnMessage func(*envelope.Envelope) (Verdict, error)

	// OnAuthenticate validates one SASL exchange's final credentials.
	OnAuthenticate func(mechanism, identity, username, password string) AuthResult

	// OnRcpt decides whether a recipient is permitted (local delivery or
	// authorization to relay). A nil OnRcpt accepts everything.
	OnRcpt func(session *SessionRecord, from, rcpt string, authenticated bool) error

	OnSessionStart func(*SessionRecord)
	OnSessionEnd   func(*SessionRecord)
}

// Policy mirrors the server's configuration surface.
type Policy struct {
	ServerName                   string
	Banner                       string
	Greeting                     string
	MaxMessageSize               int64
	MaxRecipients                int
	ConnectionTimeout            time.Duration
	CommandTimeout               time.Duration
	DataTimeout                  time.Duration
	RequireAuthentication        bool
	RequireSecureConnection      bool
	AllowPlainTextAuthentication bool
	AuthenticationMechanisms     []string // "PLAIN", "LOGIN"

	// TLSConfig is used for STARTTLS; nil ⇒ STARTTLS is not advertised.
	TLSConfig *tls.Config
}

// advertiseAuth reports whether AUTH should be advertised on this
// connection given the current TLS state.
func (p *Policy) advertiseAuth(tlsActive bool) bool {
	if len(p.AuthenticationMechanisms) == 0 {
		return false
	}
	if tlsActive {
		return true
	}
	return p.AllowPlainTextAuthentication
}

// Outcome summarizes how a session ended, for logging/metrics.
type Outcome struct {
	Record SessionRecord
	Err    error
}
