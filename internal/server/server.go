// Package server wires a listener per configured address to the session
// engine, the way chasquid's internal/smtpsrv.Server's AddAddr/
// ListenAndServe/serve does: one goroutine accepting per listener, one
// goroutine per accepted connection running the protocol handler. It
// adds a per-IP connection governor and a graceful-shutdown drain
// window, neither of which chasquid owns, plus wiring the accepted
// envelope through the anti-abuse pipeline and relay queue instead of
// chasquid's aliases/queue pair.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/zetian/internal/antiabuse"
	"blitiri.com.ar/go/zetian/internal/envelope"
	"blitiri.com.ar/go/zetian/internal/events"
	"blitiri.com.ar/go/zetian/internal/maillog"
	"blitiri.com.ar/go/zetian/internal/metrics"
	"blitiri.com.ar/go/zetian/internal/queue"
	"blitiri.com.ar/go/zetian/internal/session"
)

// Governor enforces MaxConnections (global) and a per-IP connection
// limit, with no teacher precedent to adapt (chasquid has no
// connection limiter of its own).
type Governor struct {
	MaxConnections int
	MaxPerIP       int

	mu    sync.Mutex
	total int
	perIP map[string]int
}

// NewGovernor returns a Governor with the given limits; 0 means
// unlimited.
func NewGovernor(maxConnections, maxPerIP int) *Governor {
	return &Governor{
		MaxConnections: maxConnections,
		MaxPerIP:       maxPerIP,
		perIP:          map[string]int{},
	}
}

// Admit reports whether a new connection from ip should be accepted,
// incrementing its counters if so. Release must be called exactly once
// per successful Admit.
func (g *Governor) Admit(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.MaxConnections > 0 && g.total >= g.MaxConnections {
		return false
	}
	if g.MaxPerIP > 0 && g.perIP[ip] >= g.MaxPerIP {
		return false
	}
	g.total++
	g.perIP[ip]++
	return true
}

// Release returns one connection slot for ip.
func (g *Governor) Release(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.total--
	g.perIP[ip]--
	if g.perIP[ip] <= 0 {
		delete(g.perIP, ip)
	}
}

// Server accepts SMTP connections and runs the session engine on each,
// enforcing the connection governor and routing accepted envelopes
// through the anti-abuse pipeline and relay queue.
type Server struct {
	Policy       *session.Policy
	Pipeline     *antiabuse.Pipeline
	Queue        *queue.Queue
	Governor     *Governor
	Events       *events.Bus
	Metrics      *metrics.Collector
	Authenticate func(mechanism, identity, username, password string) session.AuthResult
	RcptAllowed  func(remoteIP, from, rcpt string, authenticated bool) error

	// DrainTimeout bounds how long Serve, once its context is canceled,
	// waits for in-flight sessions to finish before it returns. Sessions
	// still running when it expires are neither canceled nor closed by
	// Serve.
	DrainTimeout time.Duration

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// Listen adds a TCP listener on addr. If tlsConfig is non-nil, accepted
// connections are TLS-wrapped immediately (implicit TLS); otherwise
// STARTTLS is left to the session engine via Policy.TLSConfig.
func (s *Server) Listen(addr string, tlsConfig *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listening on %q: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	log.Infof("server: listening on %s", addr)
	return nil
}

// AddListener adopts an externally-obtained listener (e.g. one passed in
// via systemd socket activation), the generalization of chasquid's
// AddListeners.
func (s *Server) AddListener(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

// Serve runs the accept loop on every added listener until ctx is
// canceled, then waits up to DrainTimeout for in-flight sessions before
// returning.
func (s *Server) Serve(ctx context.Context) {
	s.mu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, ln := range listeners {
		go s.acceptLoop(ctx, ln)
	}

	<-ctx.Done()
	log.Infof("server: shutting down, draining up to %s", s.DrainTimeout)

	for _, ln := range listeners {
		ln.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Infof("server: drained cleanly")
	case <-time.After(s.DrainTimeout):
		log.Infof("server: drain window expired with sessions still active")
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("server: accept on %s: %v", ln.Addr(), err)
			return
		}

		ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if s.Governor != nil && !s.Governor.Admit(ip) {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handle(conn, ip)
	}
}

func (s *Server) handle(conn net.Conn, ip string) {
	defer s.wg.Done()
	if s.Governor != nil {
		defer s.Governor.Release(ip)
	}
	if s.Metrics != nil {
		s.Metrics.ConnectionOpened()
		defer s.Metrics.ConnectionClosed()
	}
	if _, ok := conn.(*tls.Conn); ok && s.Metrics != nil {
		s.Metrics.TLSEstablished()
	}

	callbacks := session.Callbacks{
		OnMessage:      s.onMessage,
		OnAuthenticate: s.onAuthenticate,
		OnRcpt:         s.onRcpt,
		OnSessionStart: s.onSessionStart,
		OnSessionEnd:   s.onSessionEnd,
	}

	sess := session.New(conn, s.Policy, callbacks)
	outcome := sess.Handle()
	if outcome.Err != nil {
		log.Log(log.Debug, 1, "server: session from %s ended: %v", ip, outcome.Err)
	}
}

func (s *Server) onMessage(env *envelope.Envelope) (session.Verdict, error) {
	sess := &antiabuse.Session{
		RemoteIP:      env.RemoteIP,
		Authenticated: env.AuthenticatedID != "",
	}
	result, err := s.Pipeline.Run(context.Background(), env, sess)
	if err != nil {
		return session.Verdict{}, err
	}

	if s.Metrics != nil {
		s.Metrics.MessageAccepted(envelope.DomainOf(env.From), env.SizeBytes)
	}

	switch result.Action {
	case antiabuse.ActionReject:
		if s.Metrics != nil {
			s.Metrics.MessageRejected(result.Reason)
		}
		return session.Verdict{Action: session.ActionReject, Reason: result.Reason, Score: result.Score}, nil
	case antiabuse.ActionQuarantine:
		flagged := *env
		flagged.Raw = envelope.AddHeader(env.Raw, "X-Spam-Flag", "YES (quarantined)")
		s.enqueueQuarantined(&flagged)
		return session.Verdict{Action: session.ActionQuarantine, Reason: result.Reason, Score: result.Score}, nil
	case antiabuse.ActionMark:
		flagged := *env
		flagged.Raw = envelope.AddHeader(env.Raw, "X-Spam-Flag", "YES")
		s.enqueue(&flagged)
		return session.Verdict{Action: session.ActionMark, Reason: result.Reason, Score: result.Score}, nil
	default:
		s.enqueue(env)
		return session.Verdict{Action: session.ActionNone, Score: result.Score}, nil
	}
}

func (s *Server) enqueue(env *envelope.Envelope) {
	id, err := s.Queue.Enqueue(env, queue.Normal)
	if err != nil {
		log.Errorf("server: enqueue failed: %v", err)
		return
	}
	s.afterEnqueue(env, id)
}

// enqueueQuarantined routes env to the quarantine destination instead of
// the normal delivery path: same queue, but a low priority and the
// Quarantined flag so an operator (or a dedicated review tool) can list
// and act on quarantined mail separately from everything else in flight.
func (s *Server) enqueueQuarantined(env *envelope.Envelope) {
	id, err := s.Queue.EnqueueQuarantined(env)
	if err != nil {
		log.Errorf("server: quarantine enqueue failed: %v", err)
		return
	}
	s.afterEnqueue(env, id)
}

func (s *Server) afterEnqueue(env *envelope.Envelope, id string) {
	maillog.Queued(nil, env.From, env.Recipients, id)
	if s.Events != nil {
		s.Events.Publish(events.Event{Kind: events.MessageReceived, MessageID: id})
	}
	if s.Metrics != nil {
		s.Metrics.SetQueueDepth(s.Queue.Stats().ByStatus[queue.Queued])
	}
}

func (s *Server) onAuthenticate(mechanism, identity, username, password string) session.AuthResult {
	if s.Authenticate == nil {
		return session.AuthResult{OK: false}
	}
	res := s.Authenticate(mechanism, identity, username, password)
	if s.Metrics != nil {
		s.Metrics.AuthAttempt(res.OK)
	}
	if s.Events != nil {
		kind := events.AuthFailed
		if res.OK {
			kind = events.AuthSucceeded
		}
		s.Events.Publish(events.Event{Kind: kind, Domain: identity})
	}
	return res
}

func (s *Server) onRcpt(rec *session.SessionRecord, from, rcpt string, authenticated bool) error {
	if s.RcptAllowed == nil {
		return nil
	}
	ip := ""
	if rec != nil && rec.RemoteAddr != nil {
		ip, _, _ = net.SplitHostPort(rec.RemoteAddr.String())
	}
	return s.RcptAllowed(ip, from, rcpt, authenticated)
}

func (s *Server) onSessionStart(rec *session.SessionRecord) {
	if s.Events != nil {
		ip := ""
		if rec.RemoteAddr != nil {
			ip, _, _ = net.SplitHostPort(rec.RemoteAddr.String())
		}
		s.Events.Publish(events.Event{Kind: events.SessionStarted, RemoteIP: ip})
	}
}

func (s *Server) onSessionEnd(rec *session.SessionRecord) {
	if s.Events != nil {
		ip := ""
		if rec.RemoteAddr != nil {
			ip, _, _ = net.SplitHostPort(rec.RemoteAddr.String())
		}
		s.Events.Publish(events.Event{Kind: events.SessionEnded, RemoteIP: ip})
	}
}
