// Package dkimscorer adapts internal/dkim into the antiabuse.Scorer
// interface, verifying signatures against a resolver.Resolver.
package dkimscorer

import (
	"context"
	"fmt"

	"blitiri.com.ar/go/zetian/internal/antiabuse"
	"blitiri.com.ar/go/zetian/internal/dkim"
	"blitiri.com.ar/go/zetian/internal/envelope"
	"blitiri.com.ar/go/zetian/internal/resolver"
)

// Scorer verifies DKIM-Signature headers in Envelope.Raw.
type Scorer struct {
	Resolver resolver.Resolver

	// MissingScore/FailScore tune how much weight a missing or broken
	// signature adds; a fully valid signature always scores 0.
	MissingScore float64
	FailScore    float64
}

// New returns a Scorer with the given resolver and default scores: no
// signature scores 0 (DKIM is opt-in for senders), a broken one scores
// high since it suggests spoofing or corruption in transit.
func New(res resolver.Resolver) *Scorer {
	return &Scorer{Resolver: res, MissingScore: 0, FailScore: 4.0}
}

func (s *Scorer) Name() string { return "dkim" }

func (s *Scorer) Check(ctx context.Context, env *envelope.Envelope, sess *antiabuse.Session) (antiabuse.Verdict, error) {
	if len(env.Raw) == 0 {
		return antiabuse.Verdict{Checker: s.Name(), Reason: "no message body to verify"}, nil
	}

	result, err := dkim.VerifyEnvelope(ctx, s.Resolver, env)
	if err != nil {
		return antiabuse.Verdict{Checker: s.Name(), Reason: err.Error()}, err
	}

	if result.Found == 0 {
		return antiabuse.Verdict{
			Checker: s.Name(),
			Score:   s.MissingScore,
			Reason:  "no DKIM-Signature header found",
		}, nil
	}

	if result.Valid > 0 {
		return antiabuse.Verdict{
			Checker: s.Name(),
			Score:   0,
			Reason:  fmt.Sprintf("dkim=pass (%d/%d valid)", result.Valid, result.Found),
		}, nil
	}

	// At least one signature present, none verified.
	reason := "dkim verification failed"
	if len(result.Results) > 0 && result.Results[0].Error != nil {
		reason = fmt.Sprintf("dkim=fail: %v", result.Results[0].Error)
	}
	return antiabuse.Verdict{
		Checker: s.Name(),
		Score:   s.FailScore,
		IsSpam:  true,
		Reason:  reason,
	}, nil
}

// AuthenticationResults re-evaluates the message and renders the
// Authentication-Results fragment for the dkim method, for callers that
// want to stamp the header on acceptance (e.g. maillog, MessageStore).
func AuthenticationResults(ctx context.Context, res resolver.Resolver, raw []byte) (string, error) {
	result, err := dkim.VerifyMessage(ctx, res, string(raw))
	if err != nil {
		return "", err
	}
	return result.AuthenticationResults(), nil
}
