// Package greylistscorer adapts internal/greylist into the
// antiabuse.Scorer interface.
package greylistscorer

import (
	"context"
	"net"

	"blitiri.com.ar/go/zetian/internal/antiabuse"
	"blitiri.com.ar/go/zetian/internal/envelope"
	"blitiri.com.ar/go/zetian/internal/greylist"
)

// Scorer returns a Mark verdict (Reason deferredReason, Score DeferScore)
// for a first-sight triplet or a retry that comes too soon. That verdict
// is not turned into a 4xx reply: the pipeline adds its score to the
// aggregate like any other, and a message whose result is Mark is
// answered 250 and queued with an X-Spam-Flag header.
type Scorer struct {
	DB *greylist.DB

	// DeferScore controls how much a deferred triplet contributes to the
	// aggregate pipeline score; greylisting alone should not typically
	// reach Reject, so this defaults low.
	DeferScore float64
}

const deferredReason = "greylisted: first sight or retry too soon"

// New returns a Scorer bound to db.
func New(db *greylist.DB) *Scorer {
	return &Scorer{DB: db, DeferScore: 1.0}
}

func (s *Scorer) Name() string { return "greylist" }

func (s *Scorer) Check(ctx context.Context, env *envelope.Envelope, sess *antiabuse.Session) (antiabuse.Verdict, error) {
	if sess != nil && sess.Authenticated {
		return antiabuse.Verdict{Checker: s.Name(), Reason: "authenticated, skipped"}, nil
	}

	ip := net.ParseIP(remoteIP(sess, env))
	recipient := ""
	if len(env.Recipients) > 0 {
		recipient = env.Recipients[0]
	}

	key := greylist.Key(ip, env.From, recipient)
	decision := s.DB.Check(key, env.ReceivedAt)

	if decision == greylist.Defer {
		return antiabuse.Verdict{
			Checker: s.Name(),
			Score:   s.DeferScore,
			Action:  antiabuse.ActionMark,
			Reason:  deferredReason,
		}, nil
	}
	return antiabuse.Verdict{Checker: s.Name(), Reason: "accepted (whitelisted or past delay)"}, nil
}

func remoteIP(sess *antiabuse.Session, env *envelope.Envelope) string {
	if sess != nil && sess.RemoteIP != "" {
		return sess.RemoteIP
	}
	return env.RemoteIP
}

// IsDeferred reports whether a Verdict came from a greylist defer.
func IsDeferred(v antiabuse.Verdict) bool {
	return v.Checker == "greylist" && v.Reason == deferredReason
}
