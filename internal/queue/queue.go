// Package queue implements the relay queue: envelopes accepted by a
// session are put here and processed asynchronously by the dispatcher.
package queue

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"blitiri.com.ar/go/zetian/internal/envelope"
	"github.com/google/uuid"
)

// Priority orders entries within pick_due; higher values are served
// first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Urgent
)

// Status is a QueueEntry's terminal or in-flight state.
type Status string

const (
	Queued             Status = "Queued"
	InProgress         Status = "InProgress"
	Deferred           Status = "Deferred"
	Delivered          Status = "Delivered"
	Failed             Status = "Failed"
	Expired            Status = "Expired"
	Cancelled          Status = "Cancelled"
	PartiallyDelivered Status = "PartiallyDelivered"
)

// RecipientState is a single recipient's delivery state within a
// QueueEntry.
type RecipientState string

const (
	RecipientPending   RecipientState = "Pending"
	RecipientDelivered RecipientState = "Delivered"
	RecipientFailed    RecipientState = "Failed"
)

// RecipientStatus tracks one recipient's progress.
type RecipientStatus struct {
	State     RecipientState
	LastError string
	Attempts  int
}

// Route describes a chosen delivery path for an entry, filled in by the
// dispatcher's router (local delivery, named smart host, or direct MX).
type Route struct {
	Local    bool
	Host     string
	Port     int
	UseTLS   bool
	StartTLS bool
}

// Entry is a single queued message, independent from its Envelope (the
// queue_id is distinct from the envelope id).
type Entry struct {
	QueueID     string
	EnvelopeRef string // Envelope.ID
	From        string
	Recipients  []string
	BodyRef     string // MessageStore handle
	SkipBounce  bool
	Quarantined bool

	Priority Priority
	Status   Status

	PerRecipient map[string]*RecipientStatus

	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	NextDueAt     time.Time
	MaxLifetime   time.Duration

	ChosenRoute *Route

	mu sync.Mutex
}

// Outcome is the result of one delivery attempt to one recipient.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeTempFail
	OutcomePermFail
)

// Stats summarizes queue occupancy, for metrics and DumpString.
type Stats struct {
	Total      int
	ByStatus   map[Status]int
	ByPriority map[Priority]int
}

// IRelayStore is the persistence contract the Queue drives. A KV/SQL/doc
// store may implement this directly; Queue below is the in-memory
// default. PickDue and ClearExpired never fail against an in-memory map,
// so apart from Enqueue only the calls that touch a single named entry
// return an error.
type IRelayStore interface {
	Enqueue(env *envelope.Envelope, priority Priority) (string, error)
	PickDue(now time.Time, maxN int) []*Entry
	Record(queueID, recipient string, outcome Outcome, reason string) error
	Complete(queueID string) error
	Remove(queueID string) error
	Reschedule(queueID string, delay time.Duration) error
	ClearExpired(now time.Time) int
	Stats() Stats
	GetAll() []*Entry
	GetByStatus(s Status) []*Entry
}

var _ IRelayStore = (*Queue)(nil)

// Config tunes retry backoff, matching chasquid's GiveUpAfter/MaxItems
// knobs, generalized to per-recipient attempts.
type Config struct {
	MaxItems             int
	MaxRetryCount        int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	MaxLifetime          time.Duration
	EnableBounceMessages bool
	LocalDomains         func(domain string) bool
}

func defaultConfig() Config {
	return Config{
		MaxItems:      10000,
		MaxRetryCount: 10,
		BaseBackoff:   time.Minute,
		MaxBackoff:    20 * time.Minute,
		MaxLifetime:   20 * time.Hour,
	}
}

// BounceFunc synthesizes and enqueues a DSN for a failed/expired entry.
// Wired by the dispatcher to avoid an import cycle between queue and
// the DSN-composition logic (which needs MessageStore access).
type BounceFunc func(e *Entry)

// Queue is the in-memory IRelayStore implementation, generalized from
// chasquid's Queue/Item pair: the mutex-guarded map of items is kept,
// serialization changes from per-item text-protobuf files to whatever
// the caller's MessageStore/persistence layer wants (the queue itself
// only holds metadata; bodies live in MessageStore).
type Queue struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*Entry

	OnBounce BounceFunc
}

// New creates an empty Queue. Zero-value cfg fields fall back to
// sensible defaults.
func New(cfg Config) *Queue {
	def := defaultConfig()
	if cfg.MaxItems == 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.MaxRetryCount == 0 {
		cfg.MaxRetryCount = def.MaxRetryCount
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = def.MaxLifetime
	}
	return &Queue{cfg: cfg, entries: map[string]*Entry{}}
}

// Enqueue adds env to the queue with the given priority, returning the
// new queue_id. Distinct from the envelope id: the same envelope could
// in principle be referenced by more than one entry (e.g. a split
// delivery), though this implementation creates one entry per call.
func (q *Queue) Enqueue(env *envelope.Envelope, priority Priority) (string, error) {
	return q.enqueue(env, priority, false)
}

// EnqueueQuarantined is Enqueue for mail an anti-abuse check flagged for
// quarantine rather than outright rejection: the entry is tagged
// Quarantined so it is held apart from normal mail (GetByStatus plus the
// Quarantined field lets an operator or a review tool single it out)
// instead of being dispatched on the same footing as unscored mail.
func (q *Queue) EnqueueQuarantined(env *envelope.Envelope) (string, error) {
	return q.enqueue(env, Low, true)
}

func (q *Queue) enqueue(env *envelope.Envelope, priority Priority, quarantined bool) (string, error) {
	q.mu.RLock()
	n := len(q.entries)
	q.mu.RUnlock()
	if n >= q.cfg.MaxItems {
		return "", fmt.Errorf("queue full (%d items)", n)
	}

	per := map[string]*RecipientStatus{}
	for _, r := range env.Recipients {
		per[r] = &RecipientStatus{State: RecipientPending}
	}

	e := &Entry{
		QueueID:      uuid.NewString(),
		EnvelopeRef:  env.ID,
		From:         env.From,
		Recipients:   append([]string(nil), env.Recipients...),
		BodyRef:      env.BodyRef,
		SkipBounce:   env.SkipBounce,
		Quarantined:  quarantined,
		Priority:     priority,
		Status:       Queued,
		PerRecipient: per,
		QueuedAt:     time.Now(),
		MaxLifetime:  q.cfg.MaxLifetime,
	}

	q.mu.Lock()
	q.entries[e.QueueID] = e
	q.mu.Unlock()

	return e.QueueID, nil
}

// PickDue atomically selects up to maxN entries that are due for an
// attempt (Queued, or Deferred with next_due_at <= now), ordered by
// (priority desc, queued_at asc), marking them InProgress so no other
// caller picks them up concurrently.
func (q *Queue) PickDue(now time.Time, maxN int) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Entry
	for _, e := range q.entries {
		if e.Status == Queued || (e.Status == Deferred && !e.NextDueAt.After(now)) {
			due = append(due, e)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].QueuedAt.Before(due[j].QueuedAt)
	})

	if len(due) > maxN {
		due = due[:maxN]
	}
	for _, e := range due {
		e.Status = InProgress
		e.LastAttemptAt = now
	}
	return due
}

// Record applies the outcome of one delivery attempt to one recipient.
// Idempotent: recording the same outcome twice for a recipient already
// in a terminal state is a no-op.
func (q *Queue) Record(queueID, recipient string, outcome Outcome, reason string) error {
	q.mu.RLock()
	e, ok := q.entries[queueID]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown queue entry %q", queueID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.PerRecipient[recipient]
	if !ok {
		return fmt.Errorf("unknown recipient %q in entry %q", recipient, queueID)
	}
	if rs.State != RecipientPending {
		return nil // already terminal: idempotent no-op.
	}

	switch outcome {
	case OutcomeDelivered:
		rs.State = RecipientDelivered
	case OutcomePermFail:
		rs.State = RecipientFailed
		rs.LastError = reason
	case OutcomeTempFail:
		rs.Attempts++
		rs.LastError = reason
		if rs.Attempts > q.cfg.MaxRetryCount {
			rs.State = RecipientFailed
		}
	}
	return nil
}

// Complete recomputes the entry's terminal status from its per-recipient
// map and reschedules if any recipient is still pending.
func (q *Queue) Complete(queueID string) error {
	q.mu.RLock()
	e, ok := q.entries[queueID]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown queue entry %q", queueID)
	}

	e.mu.Lock()
	now := time.Now()

	if e.QueuedAt.Add(e.MaxLifetime).Before(now) {
		for _, rs := range e.PerRecipient {
			if rs.State == RecipientPending {
				rs.State = RecipientFailed
				if rs.LastError == "" {
					rs.LastError = "message lifetime exceeded"
				}
			}
		}
		e.Status = Expired
		e.mu.Unlock()
		q.maybeBounce(e)
		return nil
	}

	delivered, failed, pending := 0, 0, 0
	for _, rs := range e.PerRecipient {
		switch rs.State {
		case RecipientDelivered:
			delivered++
		case RecipientFailed:
			failed++
		default:
			pending++
		}
	}

	if pending > 0 {
		e.Attempts++
		delay := nextDelay(e.Attempts, q.cfg.BaseBackoff, q.cfg.MaxBackoff)
		e.NextDueAt = now.Add(delay)
		e.Status = Deferred
		e.mu.Unlock()
		return nil
	}

	switch {
	case failed == 0:
		e.Status = Delivered
	case delivered == 0:
		e.Status = Failed
	default:
		e.Status = PartiallyDelivered
	}
	e.mu.Unlock()

	if e.Status == Failed || e.Status == PartiallyDelivered {
		q.maybeBounce(e)
	}
	return nil
}

func (q *Queue) maybeBounce(e *Entry) {
	if !q.cfg.EnableBounceMessages || e.SkipBounce || e.From == "" {
		return
	}
	if q.OnBounce != nil {
		q.OnBounce(e)
	}
}

// Remove deletes an entry from the queue entirely.
func (q *Queue) Remove(queueID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[queueID]; !ok {
		return fmt.Errorf("unknown queue entry %q", queueID)
	}
	delete(q.entries, queueID)
	return nil
}

// Reschedule forces an entry back to Deferred with a new next_due_at.
func (q *Queue) Reschedule(queueID string, delay time.Duration) error {
	q.mu.RLock()
	e, ok := q.entries[queueID]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown queue entry %q", queueID)
	}
	e.mu.Lock()
	e.Status = Deferred
	e.NextDueAt = time.Now().Add(delay)
	e.mu.Unlock()
	return nil
}

// ClearExpired removes all entries in a terminal status (Delivered,
// Failed, Expired, Cancelled), returning how many were removed. Queue
// drivers typically call this periodically rather than relying solely
// on dispatcher-driven removal.
func (q *Queue) ClearExpired(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, e := range q.entries {
		switch e.Status {
		case Delivered, Failed, Expired, Cancelled:
			delete(q.entries, id)
			removed++
		}
	}
	return removed
}

// Stats summarizes the current queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := Stats{ByStatus: map[Status]int{}, ByPriority: map[Priority]int{}}
	for _, e := range q.entries {
		s.Total++
		s.ByStatus[e.Status]++
		s.ByPriority[e.Priority]++
	}
	return s
}

// GetAll returns every entry currently in the queue.
func (q *Queue) GetAll() []*Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	all := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		all = append(all, e)
	}
	return all
}

// GetByStatus returns every entry with the given status.
func (q *Queue) GetByStatus(s Status) []*Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var matched []*Entry
	for _, e := range q.entries {
		if e.Status == s {
			matched = append(matched, e)
		}
	}
	return matched
}

// DumpString returns a human-readable snapshot, for diagnostics.
func (q *Queue) DumpString() string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := fmt.Sprintf("# Queue status\ndate: %v\nlength: %d\n\n", time.Now(), len(q.entries))
	for id, e := range q.entries {
		e.mu.Lock()
		s += fmt.Sprintf("## Entry %s\nstatus: %s priority: %d quarantined: %v\nfrom: %s\n",
			id, e.Status, e.Priority, e.Quarantined, e.From)
		for rcpt, rs := range e.PerRecipient {
			s += fmt.Sprintf("  %s: %s (attempts=%d, last_error=%q)\n",
				rcpt, rs.State, rs.Attempts, rs.LastError)
		}
		e.mu.Unlock()
	}
	return s
}

// nextDelay computes the retry backoff for the given attempt count:
// min(base*2^attempts, cap) with +-20% jitter, matching chasquid's
// nextDelay but generalized from fixed time buckets to exponential
// backoff.
func nextDelay(attempts int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < attempts && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}

	jitter := time.Duration(float64(d) * 0.2)
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	}
	if d < 0 {
		d = base
	}
	return d
}
