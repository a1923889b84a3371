// Package bounce composes delivery status notifications (RFC 3464) for
// relay entries that end up Failed or Expired, grounded on chasquid's
// internal/queue/dsn.go template.
package bounce

import (
	"bytes"
	"fmt"
	"net/mail"
	"text/template"
	"time"

	"blitiri.com.ar/go/zetian/internal/envelope"
	"blitiri.com.ar/go/zetian/internal/queue"
	"github.com/google/uuid"
)

// Maximum length of the original message to include in the bounce. The
// recipient's own size limits may be smaller than what we accepted, so
// truncate to something generous but bounded.
const maxOrigMsgLen = 256 * 1024

// Config tunes bounce composition, mirroring internal/config.RelayConfig's
// EnableBounceMessages/BounceSender/EnableDsn fields.
type Config struct {
	// OurDomain names this host in the synthesized From/Message-ID.
	OurDomain string

	// Sender is the local-part used in the synthesized From header
	// (e.g. "MAILER-DAEMON"); defaults to "MAILER-DAEMON" if empty.
	Sender string

	// EnableDsn adds the machine-readable message/delivery-status MIME
	// part (RFC 3464 §2) alongside the human-readable report. Without
	// it, the bounce is a plain multipart/mixed message with only the
	// human-readable part and the original message.
	EnableDsn bool
}

func (c Config) sender() string {
	if c.Sender != "" {
		return c.Sender
	}
	return "MAILER-DAEMON"
}

// Compose synthesizes a bounce envelope for e, which must be Failed or
// PartiallyDelivered/Expired with a non-empty From (Queue.maybeBounce
// already enforces both). original is the original message body, used
// to quote it back to the sender and to recover its Message-ID; it may
// be nil if unavailable.
//
// The returned envelope has a null sender, e.From as its only recipient,
// and SkipBounce set so the dispatcher never bounces a bounce.
func Compose(e *queue.Entry, cfg Config, original []byte) (*envelope.Envelope, error) {
	info := dsnInfo{
		OurDomain:   cfg.OurDomain,
		Sender:      cfg.sender(),
		Destination: e.From,
		MessageID:   "zetian-bounce-" + uuid.NewString() + "@" + cfg.OurDomain,
		Date:        time.Now().Format(time.RFC1123Z),
		Boundary:    uuid.NewString(),
	}

	for rcpt, st := range e.PerRecipient {
		if st.State == queue.RecipientDelivered {
			continue
		}
		info.Failed = append(info.Failed, failedRecipient{
			Address:   rcpt,
			LastError: st.LastError,
		})
	}

	if len(original) > maxOrigMsgLen {
		info.OriginalMessage = string(original[:maxOrigMsgLen])
	} else {
		info.OriginalMessage = string(original)
	}
	info.OriginalMessageID = messageIDOf(original)

	tmpl := plainTemplate
	if cfg.EnableDsn {
		tmpl = dsnTemplate
	}

	buf := &bytes.Buffer{}
	if err := tmpl.Execute(buf, info); err != nil {
		return nil, fmt.Errorf("bounce: rendering DSN for %q: %w", e.QueueID, err)
	}
	raw := bytes.ReplaceAll(buf.Bytes(), []byte("\n"), []byte("\r\n"))

	return &envelope.Envelope{
		ID:         "bounce-" + uuid.NewString(),
		From:       "",
		Recipients: []string{e.From},
		ReceivedAt: time.Now(),
		Raw:        raw,
		SkipBounce: true,
	}, nil
}

func messageIDOf(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return msg.Header.Get("Message-ID")
}

type failedRecipient struct {
	Address   string
	LastError string
}

type dsnInfo struct {
	OurDomain   string
	Sender      string
	Destination string
	MessageID   string
	Date        string
	Boundary    string

	Failed []failedRecipient

	OriginalMessage   string
	OriginalMessageID string
}

// plainTemplate renders the human-readable bounce body only (RFC 3464
// style subject, no machine-readable part).
var plainTemplate = template.Must(
	template.New("bounce-plain").Parse(
		`From: Mail Delivery System <{{.Sender}}@{{.OurDomain}}>
To: <{{.Destination}}>
Subject: Mail delivery failed: returning message to sender
Message-ID: <{{.MessageID}}>
Date: {{.Date}}
In-Reply-To: {{.OriginalMessageID}}
References: {{.OriginalMessageID}}
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="{{.Boundary}}"


--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"
Content-Disposition: inline

Delivery of your message failed permanently for the following recipient(s):
{{range .Failed}}
  - {{.Address}}: {{.LastError}}
{{- end}}

--{{.Boundary}}
Content-Type: message/rfc822
Content-Description: Undelivered Message
Content-Transfer-Encoding: 8bit

{{.OriginalMessage}}

--{{.Boundary}}--
`))

// dsnTemplate adds the message/delivery-status MIME part (RFC 3464 §2)
// alongside the human-readable report.
var dsnTemplate = template.Must(
	template.New("bounce-dsn").Parse(
		`From: Mail Delivery System <{{.Sender}}@{{.OurDomain}}>
To: <{{.Destination}}>
Subject: Mail delivery failed: returning message to sender
Message-ID: <{{.MessageID}}>
Date: {{.Date}}
In-Reply-To: {{.OriginalMessageID}}
References: {{.OriginalMessageID}}
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
    boundary="{{.Boundary}}"


--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"
Content-Disposition: inline
Content-Description: Notification

Delivery of your message failed permanently for the following recipient(s):
{{range .Failed}}
  - {{.Address}}: {{.LastError}}
{{- end}}

--{{.Boundary}}
Content-Type: message/delivery-status
Content-Description: Delivery Report
Content-Transfer-Encoding: 8bit

Reporting-MTA: dns; {{.OurDomain}}

{{range .Failed -}}
Final-Recipient: rfc822; {{.Address}}
Action: failed
Status: 5.0.0
Diagnostic-Code: smtp; {{.LastError}}

{{end}}
--{{.Boundary}}
Content-Type: message/rfc822
Content-Description: Undelivered Message
Content-Transfer-Encoding: 8bit

{{.OriginalMessage}}

--{{.Boundary}}--
`))
