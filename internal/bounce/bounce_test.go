package bounce

import (
	"strings"
	"testing"

	"blitiri.com.ar/go/zetian/internal/queue"
)

func testEntry() *queue.Entry {
	return &queue.Entry{
		QueueID: "q-1",
		From:    "sender@example.com",
		PerRecipient: map[string]*queue.RecipientStatus{
			"rcpt@example.net": {
				State:     queue.RecipientFailed,
				LastError: "550 no such user",
			},
		},
	}
}

func TestComposeNullSenderSingleRecipient(t *testing.T) {
	e := testEntry()
	env, err := Compose(e, Config{OurDomain: "mx.example.com"}, nil)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	if env.From != "" {
		t.Errorf("expected null sender, got %q", env.From)
	}
	if len(env.Recipients) != 1 || env.Recipients[0] != e.From {
		t.Errorf("expected single recipient %q, got %v", e.From, env.Recipients)
	}
	if !env.SkipBounce {
		t.Errorf("expected SkipBounce to prevent bounce loops")
	}
}

func TestComposeIncludesFailureDetails(t *testing.T) {
	e := testEntry()
	env, err := Compose(e, Config{OurDomain: "mx.example.com"}, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	raw := string(env.Raw)
	if !strings.Contains(raw, "rcpt@example.net") {
		t.Errorf("expected failed recipient in body, got:\n%s", raw)
	}
	if !strings.Contains(raw, "550 no such user") {
		t.Errorf("expected last error in body, got:\n%s", raw)
	}
	if !strings.Contains(raw, "Subject: Mail delivery failed") {
		t.Errorf("expected RFC 3464 style subject, got:\n%s", raw)
	}
}

func TestComposeWithDsnIncludesDeliveryStatusPart(t *testing.T) {
	e := testEntry()
	env, err := Compose(e, Config{OurDomain: "mx.example.com", EnableDsn: true}, nil)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	raw := string(env.Raw)
	if !strings.Contains(raw, "message/delivery-status") {
		t.Errorf("expected a message/delivery-status part with EnableDsn, got:\n%s", raw)
	}
	if !strings.Contains(raw, "Final-Recipient: rfc822; rcpt@example.net") {
		t.Errorf("expected Final-Recipient in delivery-status part, got:\n%s", raw)
	}
}

func TestComposeDefaultSender(t *testing.T) {
	e := testEntry()
	env, err := Compose(e, Config{OurDomain: "mx.example.com"}, nil)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if !strings.Contains(string(env.Raw), "MAILER-DAEMON@mx.example.com") {
		t.Errorf("expected default sender MAILER-DAEMON, got:\n%s", env.Raw)
	}
}
