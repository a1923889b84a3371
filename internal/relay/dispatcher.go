package relay

import (
	"context"
	"errors"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/zetian/internal/envelope"
	"blitiri.com.ar/go/zetian/internal/maillog"
	"blitiri.com.ar/go/zetian/internal/queue"
	"blitiri.com.ar/go/zetian/internal/smtpclient"
	"blitiri.com.ar/go/zetian/internal/trace"
	"golang.org/x/sync/errgroup"
)

// BodyStore is the subset of MessageStore the dispatcher needs: fetching
// a message's raw bytes by the BodyRef queue.Entry carries.
type BodyStore interface {
	Get(bodyRef string) ([]byte, error)
}

// LocalDelivery is invoked for recipients routed to a local domain; it
// hands the message to local mailbox storage rather than opening an
// outbound connection.
type LocalDelivery func(recipient string, data []byte) error

// Dispatcher pulls due entries from an IRelayStore, routes each
// recipient, and delivers, generalizing chasquid's single fixed
// Courier into the full local/smart-host/MX decision tree plus pooled
// outbound connections.
type Dispatcher struct {
	Store  queue.IRelayStore
	Router *Router
	Bodies BodyStore
	Local  LocalDelivery
	cfg    Config
	pool   *pool
}

// NewDispatcher builds a Dispatcher ready to Run.
func NewDispatcher(store queue.IRelayStore, router *Router, bodies BodyStore, local LocalDelivery, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		Store:  store,
		Router: router,
		Bodies: bodies,
		Local:  local,
		cfg:    cfg,
		pool:   newPool(cfg),
	}
}

// Run processes due entries every QueueProcessingInterval until ctx is
// canceled, and periodically clears terminal entries every
// CleanupInterval.
func (d *Dispatcher) Run(ctx context.Context) {
	deliverTicker := time.NewTicker(d.cfg.QueueProcessingInterval)
	defer deliverTicker.Stop()
	cleanupTicker := time.NewTicker(d.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.pool.closeAll()
			return
		case <-deliverTicker.C:
			d.tick(ctx)
		case <-cleanupTicker.C:
			n := d.Store.ClearExpired(time.Now())
			if n > 0 {
				log.Infof("relay: cleared %d terminal queue entries", n)
			}
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	due := d.Store.PickDue(time.Now(), d.cfg.MaxConcurrentDeliveries)
	if len(due) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range due {
		e := e
		g.Go(func() error {
			d.processEntry(ctx, e)
			return nil
		})
	}
	g.Wait()
}

// processEntry routes and delivers a single queue entry, grouping
// recipients by destination domain so one outbound session can serve
// many recipients.
func (d *Dispatcher) processEntry(ctx context.Context, e *queue.Entry) {
	tr := trace.New("Relay.Dispatch", e.QueueID)
	defer tr.Finish()

	data, err := d.Bodies.Get(e.BodyRef)
	if err != nil {
		tr.Errorf("fetching body %q: %v", e.BodyRef, err)
		for _, r := range e.Recipients {
			d.Store.Record(e.QueueID, r, queue.OutcomeTempFail, "body store unavailable")
		}
		d.Store.Complete(e.QueueID)
		return
	}

	byDomain := map[string][]string{}
	for _, r := range e.Recipients {
		dom := envelope.DomainOf(r)
		byDomain[dom] = append(byDomain[dom], r)
	}

	for dom, rcpts := range byDomain {
		d.deliverDomain(ctx, tr, e, dom, rcpts, data)
	}

	if err := d.Store.Complete(e.QueueID); err != nil {
		tr.Errorf("completing %q: %v", e.QueueID, err)
	}
}

func (d *Dispatcher) deliverDomain(ctx context.Context, tr *trace.Trace, e *queue.Entry, domain string, recipients []string, data []byte) {
	candidates, err := d.Router.Candidates(ctx, domain)
	if err != nil {
		for _, r := range recipients {
			d.Store.Record(e.QueueID, r, queue.OutcomePermFail, err.Error())
			maillog.SendAttempt(e.QueueID, e.From, r, err, true)
		}
		return
	}

	if len(candidates) == 1 && candidates[0].Local {
		for _, r := range recipients {
			if err := d.Local(r, data); err != nil {
				d.Store.Record(e.QueueID, r, queue.OutcomeTempFail, err.Error())
				continue
			}
			d.Store.Record(e.QueueID, r, queue.OutcomeDelivered, "")
		}
		return
	}

	remaining := recipients
	var lastErr error
	for _, target := range candidates {
		if len(remaining) == 0 {
			return
		}
		results, err := d.deliverToTarget(target, e.From, remaining, data)
		if err != nil {
			// Connect/handshake failure: this candidate is removed from
			// this attempt's set; fall through to the next one.
			lastErr = err
			tr.Errorf("candidate %s for %s failed: %v", target.SourceName, domain, err)
			continue
		}

		var next []string
		for _, r := range remaining {
			outcome, reason := results[r].outcome, results[r].reason
			d.Store.Record(e.QueueID, r, outcome, reason)
			var recErr error
			if reason != "" {
				recErr = errors.New(reason)
			}
			maillog.SendAttempt(e.QueueID, e.From, r, recErr, outcome == queue.OutcomePermFail)
			if outcome == queue.OutcomeTempFail {
				next = append(next, r)
			}
		}
		remaining = next
	}

	for _, r := range remaining {
		reason := "all routes exhausted"
		if lastErr != nil {
			reason = lastErr.Error()
		}
		d.Store.Record(e.QueueID, r, queue.OutcomeTempFail, reason)
		maillog.SendAttempt(e.QueueID, e.From, r, errors.New(reason), false)
	}
}

type rcptResult struct {
	outcome queue.Outcome
	reason  string
}

// errHostBusy means the per-host connection cap was reached; the caller
// tries the next candidate rather than treating this as a connect
// failure against that host.
var errHostBusy = errors.New("relay: host connection pool exhausted")

// deliverToTarget opens (or reuses) one pooled connection to target and
// issues one MAIL FROM plus one RCPT TO per recipient plus one DATA,
// matching real multi-recipient SMTP semantics. A non-nil error here
// means the connection itself could not be established or the
// transaction-level commands (MAIL/DATA) failed, so the whole attempt
// on this target is abandoned; per-RCPT rejections are reported via the
// returned map instead.
func (d *Dispatcher) deliverToTarget(target Target, from string, recipients []string, data []byte) (map[string]rcptResult, error) {
	conn, busy, err := d.pool.acquire(target)
	if busy {
		return nil, errHostBusy
	}
	if err != nil {
		return nil, err
	}

	results := map[string]rcptResult{}
	ok := true
	defer func() { d.pool.release(conn, ok) }()

	mailFrom := from
	if mailFrom == "" {
		mailFrom = "<>"
	}

	accepted := 0
	for _, to := range recipients {
		if err := conn.client.MailAndRcpt(mailFrom, to); err != nil {
			if smtpclient.IsPermanent(err) {
				results[to] = rcptResult{queue.OutcomePermFail, err.Error()}
			} else {
				results[to] = rcptResult{queue.OutcomeTempFail, err.Error()}
			}
			continue
		}
		accepted++
		results[to] = rcptResult{queue.OutcomeDelivered, ""}
	}

	if accepted == 0 {
		ok = true // server is fine, just rejected every recipient.
		return results, nil
	}

	w, err := conn.client.Data()
	if err != nil {
		ok = false
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		ok = false
		return nil, err
	}
	if err := w.Close(); err != nil {
		ok = false
		return nil, err
	}

	conn.messages++
	return results, nil
}
