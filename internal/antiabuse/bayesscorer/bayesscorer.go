// Package bayesscorer adapts internal/bayes into the antiabuse.Scorer
// interface.
package bayesscorer

import (
	"context"
	"fmt"
	"strings"

	"blitiri.com.ar/go/zetian/internal/antiabuse"
	"blitiri.com.ar/go/zetian/internal/bayes"
	"blitiri.com.ar/go/zetian/internal/envelope"
)

// Scorer classifies an envelope's subject/from/body text using a
// trained bayes.Filter.
type Scorer struct {
	Filter *bayes.Filter

	// SpamThreshold is the Score() value at or above which the message is
	// flagged IsSpam. For a Score() above 0.5 the returned Verdict.Score
	// is 10*(score-0.5), scaled to fit the pipeline's additive model (so a
	// maximally-confident spam classification contributes 5.0); a Score()
	// of 0.5 or below contributes 0.
	SpamThreshold float64
}

// New returns a Scorer bound to f with Robinson's conventional 0.9
// confidence threshold.
func New(f *bayes.Filter) *Scorer {
	return &Scorer{Filter: f, SpamThreshold: 0.9}
}

func (s *Scorer) Name() string { return "bayes" }

func (s *Scorer) Check(ctx context.Context, env *envelope.Envelope, sess *antiabuse.Session) (antiabuse.Verdict, error) {
	text := classificationText(env)
	score := s.Filter.Score(text)

	v := antiabuse.Verdict{
		Checker: s.Name(),
		Reason:  fmt.Sprintf("bayes probability=%.4f", score),
	}
	if score > 0.5 {
		v.Score = (score - 0.5) * 10
	}
	if score >= s.SpamThreshold {
		v.IsSpam = true
	}
	return v, nil
}

// Train feeds this message's classification text back into the filter,
// for callers wiring user "mark as spam"/"mark as ham" feedback.
func (s *Scorer) Train(env *envelope.Envelope, isSpam bool) {
	s.Filter.Train(classificationText(env), isSpam)
}

func classificationText(env *envelope.Envelope) string {
	var b strings.Builder
	b.WriteString(env.From)
	b.WriteString(" ")
	if env.Headers != nil {
		if subj, ok := env.Headers.Get("Subject"); ok {
			b.WriteString(subj)
			b.WriteString(" ")
		}
		if from, ok := env.Headers.Get("From"); ok {
			b.WriteString(from)
			b.WriteString(" ")
		}
	}
	b.Write(env.Raw)
	return b.String()
}
