// Package spfscorer adapts internal/spf into the antiabuse.Scorer
// interface.
package spfscorer

import (
	"context"
	"fmt"
	"net"

	"blitiri.com.ar/go/zetian/internal/antiabuse"
	"blitiri.com.ar/go/zetian/internal/envelope"
	"blitiri.com.ar/go/zetian/internal/resolver"
	"blitiri.com.ar/go/zetian/internal/spf"
)

// ScoreMap assigns a score to each possible spf.Result. Pass values
// tuned by policy; SoftFail is deliberately a single configurable value
// (the reference material had two inconsistent SoftFail thresholds
// across two SPF implementations).
type ScoreMap map[spf.Result]float64

// DefaultScores is a reasonable starting point: Fail scores highest,
// SoftFail and PermError add smaller amounts, everything else scores 0.
var DefaultScores = ScoreMap{
	spf.Fail:      5.0,
	spf.SoftFail:  2.0,
	spf.TempError: 0,
	spf.PermError: 1.0,
	spf.Neutral:   0,
	spf.None:      0,
	spf.Pass:      0,
}

// Scorer implements antiabuse.Scorer using SPF evaluation of the
// envelope's From domain against the session's remote IP.
type Scorer struct {
	Resolver resolver.Resolver
	Scores   ScoreMap
}

// New returns a ready scorer; a nil/zero Scores uses DefaultScores.
func New(res resolver.Resolver, scores ScoreMap) *Scorer {
	if scores == nil {
		scores = DefaultScores
	}
	return &Scorer{Resolver: res, Scores: scores}
}

func (s *Scorer) Name() string { return "spf" }

func (s *Scorer) Check(ctx context.Context, env *envelope.Envelope, sess *antiabuse.Session) (antiabuse.Verdict, error) {
	// Authenticated senders are trusted regardless of SPF, matching the
	// teacher's own secLevelCheck exemption for authenticated connections.
	if sess != nil && sess.Authenticated {
		return antiabuse.Verdict{Checker: s.Name(), Reason: "authenticated, skipped"}, nil
	}
	if env.IsBounce() {
		return antiabuse.Verdict{Checker: s.Name(), Reason: "null sender, skipped"}, nil
	}

	ip := net.ParseIP(sessionIP(sess, env))
	if ip == nil {
		return antiabuse.Verdict{Checker: s.Name(), Reason: "no remote IP available"}, nil
	}

	result, err := spf.CheckHost(ctx, s.Resolver, ip, envelope.DomainOf(env.From))
	if err != nil && result != spf.TempError && result != spf.PermError {
		// A resolution error that didn't produce a definite Result (e.g.
		// lookup failure classified as None) isn't itself fatal.
		err = nil
	}

	score := s.Scores[result]
	v := antiabuse.Verdict{
		Checker: s.Name(),
		Score:   score,
		Reason:  fmt.Sprintf("spf=%s", result),
	}
	if result == spf.Fail {
		v.Action = antiabuse.ActionReject
		v.IsSpam = true
	}
	return v, err
}

func sessionIP(sess *antiabuse.Session, env *envelope.Envelope) string {
	if sess != nil && sess.RemoteIP != "" {
		return sess.RemoteIP
	}
	return env.RemoteIP
}
