// Package antiabuse implements the pluggable scorer pipeline: SPF, DKIM,
// DMARC alignment, greylisting, and Bayesian filtering, combined into a
// single verdict and SMTP action.
package antiabuse

import (
	"context"

	"blitiri.com.ar/go/zetian/internal/envelope"
)

// Action is the disposition the pipeline assigns to a message.
type Action int

const (
	ActionNone Action = iota
	ActionMark
	ActionQuarantine
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionMark:
		return "mark"
	case ActionQuarantine:
		return "quarantine"
	case ActionReject:
		return "reject"
	default:
		return "none"
	}
}

// Verdict is a single scorer's output for one envelope.
type Verdict struct {
	Score   float64
	IsSpam  bool
	Reason  string
	Checker string
	Action  Action
}

// Session is the minimal session context a scorer needs: the client IP
// and whether the session authenticated, since several scorers (SPF,
// greylisting) change behavior for authenticated senders.
type Session struct {
	RemoteIP      string
	Authenticated bool
}

// Scorer checks one envelope and returns a Verdict. Implementations must
// be safe for concurrent use; any scorer-local mutable state (greylist
// map, Bayesian token stats) must guard itself.
type Scorer interface {
	Name() string
	Check(ctx context.Context, env *envelope.Envelope, sess *Session) (Verdict, error)
}

// Thresholds maps an aggregate pipeline score to an action.
type Thresholds struct {
	Mark            float64
	Quarantine      float64
	Reject          float64
	HardRejectScore float64 // short-circuit: a single Reject verdict scoring at/above this rejects immediately
}

// Weighted pairs a Scorer with its weight in the aggregate score.
type Weighted struct {
	Scorer Scorer
	Weight float64
}

// Pipeline runs an ordered list of weighted scorers and aggregates their
// verdicts into one action.
type Pipeline struct {
	scorers    []Weighted
	thresholds Thresholds
}

// New builds a pipeline from scorers (run in order) and thresholds.
func New(thresholds Thresholds, scorers ...Weighted) *Pipeline {
	return &Pipeline{scorers: scorers, thresholds: thresholds}
}

// Result is the pipeline's aggregate outcome for one envelope.
type Result struct {
	Action    Action
	Score     float64
	Reason    string
	PerScorer []Verdict
}

// Run evaluates every scorer in order, short-circuiting on a Reject
// verdict whose score meets the hard-reject threshold, then maps the
// aggregate score to an action via the configured thresholds.
func (p *Pipeline) Run(ctx context.Context, env *envelope.Envelope, sess *Session) (Result, error) {
	var total float64
	var results []Verdict

	for _, w := range p.scorers {
		v, err := w.Scorer.Check(ctx, env, sess)
		if err != nil {
			// A scorer error must never stall the pipeline: skip it and
			// continue.
			v = Verdict{Checker: w.Scorer.Name(), Reason: err.Error()}
		}
		results = append(results, v)
		total += v.Score * w.Weight

		if v.Action == ActionReject && v.Score >= p.thresholds.HardRejectScore {
			return Result{Action: ActionReject, Score: total, Reason: v.Reason, PerScorer: results}, nil
		}
	}

	action := ActionNone
	reason := ""
	switch {
	case total >= p.thresholds.Reject:
		action, reason = ActionReject, "aggregate score over reject threshold"
	case total >= p.thresholds.Quarantine:
		action, reason = ActionQuarantine, "aggregate score over quarantine threshold"
	case total >= p.thresholds.Mark:
		action, reason = ActionMark, "aggregate score over mark threshold"
	}

	return Result{Action: action, Score: total, Reason: reason, PerScorer: results}, nil
}
