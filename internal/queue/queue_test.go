package queue

import (
	"testing"
	"time"

	"blitiri.com.ar/go/zetian/internal/envelope"
)

func testEnvelope(from string, recipients ...string) *envelope.Envelope {
	return &envelope.Envelope{
		ID:         "env-1",
		From:       from,
		Recipients: recipients,
	}
}

func TestEnqueueAndPickDue(t *testing.T) {
	q := New(Config{})
	id, err := q.Enqueue(testEnvelope("a@x", "b@y"), Normal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	due := q.PickDue(time.Now(), 10)
	if len(due) != 1 || due[0].QueueID != id {
		t.Fatalf("expected 1 due entry with id %q, got %v", id, due)
	}
	if due[0].Status != InProgress {
		t.Errorf("expected InProgress after pick, got %v", due[0].Status)
	}

	// A second pick must not return the same in-progress entry.
	if due2 := q.PickDue(time.Now(), 10); len(due2) != 0 {
		t.Errorf("expected no due entries while InProgress, got %v", due2)
	}
}

func TestEnqueueQuarantined(t *testing.T) {
	q := New(Config{})
	id, err := q.EnqueueQuarantined(testEnvelope("a@x", "b@y"))
	if err != nil {
		t.Fatalf("enqueue quarantined: %v", err)
	}

	all := q.GetAll()
	if len(all) != 1 || all[0].QueueID != id {
		t.Fatalf("expected 1 entry with id %q, got %v", id, all)
	}
	if !all[0].Quarantined {
		t.Errorf("expected entry to be marked Quarantined")
	}
	if all[0].Priority != Low {
		t.Errorf("expected Low priority for quarantined mail, got %v", all[0].Priority)
	}
}

func TestPickDueOrdering(t *testing.T) {
	q := New(Config{})
	lowID, _ := q.Enqueue(testEnvelope("a@x", "b@y"), Low)
	time.Sleep(time.Millisecond)
	highID, _ := q.Enqueue(testEnvelope("a@x", "c@y"), High)

	due := q.PickDue(time.Now(), 10)
	if len(due) != 2 || due[0].QueueID != highID || due[1].QueueID != lowID {
		t.Fatalf("expected High before Low, got %v", due)
	}
}

func TestRecordIdempotent(t *testing.T) {
	q := New(Config{})
	id, _ := q.Enqueue(testEnvelope("a@x", "b@y"), Normal)
	q.PickDue(time.Now(), 10)

	if err := q.Record(id, "b@y", OutcomeDelivered, ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := q.Record(id, "b@y", OutcomePermFail, "should be ignored"); err != nil {
		t.Fatalf("record: %v", err)
	}

	q.mu.RLock()
	rs := q.entries[id].PerRecipient["b@y"]
	q.mu.RUnlock()
	if rs.State != RecipientDelivered {
		t.Errorf("expected state to stay Delivered after second record, got %v", rs.State)
	}
}

func TestCompleteAllDelivered(t *testing.T) {
	q := New(Config{})
	id, _ := q.Enqueue(testEnvelope("a@x", "b@y"), Normal)
	q.PickDue(time.Now(), 10)
	q.Record(id, "b@y", OutcomeDelivered, "")

	if err := q.Complete(id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	q.mu.RLock()
	status := q.entries[id].Status
	q.mu.RUnlock()
	if status != Delivered {
		t.Errorf("expected Delivered, got %v", status)
	}
}

func TestCompletePartialDelivery(t *testing.T) {
	q := New(Config{MaxRetryCount: 0})
	id, _ := q.Enqueue(testEnvelope("a@x", "b@y", "c@y"), Normal)
	q.PickDue(time.Now(), 10)
	q.Record(id, "b@y", OutcomeDelivered, "")
	q.Record(id, "c@y", OutcomePermFail, "mailbox full")

	q.Complete(id)

	q.mu.RLock()
	status := q.entries[id].Status
	q.mu.RUnlock()
	if status != PartiallyDelivered {
		t.Errorf("expected PartiallyDelivered, got %v", status)
	}
}

func TestCompleteDefersOnPending(t *testing.T) {
	q := New(Config{})
	id, _ := q.Enqueue(testEnvelope("a@x", "b@y"), Normal)
	q.PickDue(time.Now(), 10)
	q.Record(id, "b@y", OutcomeTempFail, "connection refused")

	q.Complete(id)

	q.mu.RLock()
	e := q.entries[id]
	q.mu.RUnlock()
	if e.Status != Deferred {
		t.Errorf("expected Deferred, got %v", e.Status)
	}
	if !e.NextDueAt.After(time.Now()) {
		t.Errorf("expected next_due_at in the future, got %v", e.NextDueAt)
	}
}

func TestCompleteExpiresPastMaxLifetime(t *testing.T) {
	q := New(Config{MaxLifetime: time.Millisecond})
	id, _ := q.Enqueue(testEnvelope("a@x", "b@y"), Normal)
	time.Sleep(2 * time.Millisecond)

	q.Complete(id)

	q.mu.RLock()
	e := q.entries[id]
	q.mu.RUnlock()
	if e.Status != Expired {
		t.Errorf("expected Expired, got %v", e.Status)
	}
}

func TestBounceNeverFiresForSkipBounce(t *testing.T) {
	q := New(Config{EnableBounceMessages: true})
	env := testEnvelope("a@x", "b@y")
	env.SkipBounce = true
	id, _ := q.Enqueue(env, Normal)
	q.PickDue(time.Now(), 10)
	q.Record(id, "b@y", OutcomePermFail, "no such user")

	bounced := false
	q.OnBounce = func(e *Entry) { bounced = true }
	q.Complete(id)

	if bounced {
		t.Error("expected no bounce for skip-bounce entry")
	}
}

func TestClearExpired(t *testing.T) {
	q := New(Config{})
	id, _ := q.Enqueue(testEnvelope("a@x", "b@y"), Normal)
	q.PickDue(time.Now(), 10)
	q.Record(id, "b@y", OutcomeDelivered, "")
	q.Complete(id)

	if n := q.ClearExpired(time.Now()); n != 1 {
		t.Errorf("expected 1 cleared, got %d", n)
	}
	if q.Stats().Total != 0 {
		t.Errorf("expected empty queue after clear, got %d", q.Stats().Total)
	}
}
