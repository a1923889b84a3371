package session

import (
	"encoding/base64"
	"math/rand"
	"strings"
	"time"

	"blitiri.com.ar/go/zetian/internal/envelope"
	"github.com/emersion/go-sasl"
)

// authStepTarget is the approximate wall-clock time an AUTH attempt
// should take regardless of outcome, to blunt basic timing attacks on
// the on_authenticate callback. Jittered by 0-20%, matching the
// constant-time-ish approach chasquid used for its own backend
// registry.
const authStepTarget = 100 * time.Millisecond

// doAUTH drives one SASL exchange (PLAIN or LOGIN) to completion,
// reading/writing base64 challenge-response lines per RFC 4954, and
// delegates the final credential check to Callbacks.OnAuthenticate.
func (s *Session) doAUTH(params string) (int, string) {
	if s.authID != "" {
		return 503, "5.5.1 already authenticated"
	}
	if !s.policy.advertiseAuth(s.tlsState != envelope.TLSNone) {
		return 503, "5.5.1 AUTH not available"
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		return 501, "5.5.4 malformed AUTH"
	}
	mech := strings.ToUpper(fields[0])
	if !mechAllowed(s.policy.AuthenticationMechanisms, mech) {
		return 504, "5.5.4 unsupported mechanism"
	}

	var initial []byte
	if len(fields) > 1 {
		b, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return 501, "5.5.2 invalid base64"
		}
		initial = b
	}

	var checkErr error
	var srv sasl.Server
	switch mech {
	case sasl.Plain:
		srv = sasl.NewPlainServer(func(identity, username, password string) error {
			checkErr = s.checkAuth(mech, identity, username, password)
			return checkErr
		})
	case sasl.Login:
		srv = sasl.NewLoginServer(func(username, password string) error {
			checkErr = s.checkAuth(mech, "", username, password)
			return checkErr
		})
	default:
		return 504, "5.5.4 unsupported mechanism"
	}

	resp := initial
	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			if checkErr != nil && checkErr != sasl.ErrUnexpectedClientResponse {
				return 454, "4.7.0 temporary authentication failure"
			}
			return 535, "5.7.8 authentication failed"
		}
		if done {
			break
		}

		if err := s.writer.WriteLine("334 " + base64.StdEncoding.EncodeToString(challenge)); err != nil {
			return 0, ""
		}

		line, rerr := s.readAuthLine()
		if rerr != nil {
			return 0, ""
		}
		if line == "*" {
			return 501, "5.7.0 authentication cancelled"
		}
		resp, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return 501, "5.5.2 invalid base64"
		}
	}

	if s.authID == "" {
		return 535, "5.7.8 authentication failed"
	}
	return 235, "2.7.0 Authentication successful"
}

// checkAuth wraps the embedder's callback with the jittered-delay timing
// mitigation and records the bound identity on success.
func (s *Session) checkAuth(mech, identity, username, password string) error {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		delay := authStepTarget - elapsed
		if delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay)/5 + 1))
			time.Sleep(delay)
		}
	}()

	if s.callbacks.OnAuthenticate == nil {
		return sasl.ErrUnexpectedClientResponse
	}

	res := s.callbacks.OnAuthenticate(mech, identity, username, password)
	if res.Err != nil {
		return res.Err
	}
	if !res.OK {
		return sasl.ErrUnexpectedClientResponse
	}
	s.authID = res.Identity
	if s.authID == "" {
		s.authID = username
	}
	return nil
}

func (s *Session) readAuthLine() (string, error) {
	// AUTH continuations are raw base64 lines: read them without the
	// verb-splitting/uppercasing ReadCommand does, since base64 is
	// case-sensitive.
	return s.reader.ReadLine()
}

func mechAllowed(allowed []string, mech string) bool {
	for _, m := range allowed {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}
