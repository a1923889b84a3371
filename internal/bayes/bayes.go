// Package bayes implements a Bayesian token classifier in the style of
// Paul Graham's "A Plan for Spam" and Gary Robinson's refinements:
// per-token spam probabilities with Laplace smoothing and Robinson's
// bounding, combined via Fisher's inverse chi-square method.
package bayes

import (
	"math"
	"sort"
	"sync"
)

// tokenStats tracks how many times a token appeared in spam vs ham
// training examples.
type tokenStats struct {
	spam, ham uint64
}

// scored pairs a token's computed spam probability with its distance
// from the neutral 0.5 midpoint, used to pick the most informative
// tokens for combination.
type scored struct {
	p    float64
	dist float64
}

// Filter is a trained token classifier. It is safe for concurrent
// training and scoring: reads take the read lock, Train takes the
// write lock only for the duration of the map update.
type Filter struct {
	mu    sync.RWMutex
	stats map[string]*tokenStats

	totalSpam uint64
	totalHam  uint64

	// TopN bounds how many of the most extreme (farthest from 0.5)
	// per-token probabilities are combined into the final score.
	// Robinson's original proposal uses 15.
	TopN int

	// MinOccurrences is the minimum combined spam+ham count a token
	// needs before its probability is trusted over the neutral prior.
	MinOccurrences uint64
}

// New returns an empty, ready-to-train Filter.
func New() *Filter {
	return &Filter{
		stats:          map[string]*tokenStats{},
		TopN:           15,
		MinOccurrences: 1,
	}
}

// Train updates token statistics for text, labeled isSpam.
func (f *Filter) Train(text string, isSpam bool) {
	tokens := Tokenize(text)

	f.mu.Lock()
	defer f.mu.Unlock()

	seen := map[string]bool{}
	for _, t := range tokens {
		if seen[t] {
			continue // count each token once per message
		}
		seen[t] = true

		ts, ok := f.stats[t]
		if !ok {
			ts = &tokenStats{}
			f.stats[t] = ts
		}
		if isSpam {
			ts.spam++
		} else {
			ts.ham++
		}
	}

	if isSpam {
		f.totalSpam++
	} else {
		f.totalHam++
	}
}

// tokenProbability computes a token's spam probability with Laplace
// smoothing against the overall spam/ham document counts, then applies
// Robinson's bounding toward a neutral prior for rarely-seen tokens.
func (f *Filter) tokenProbability(t string) (p float64, occurrences uint64) {
	ts, ok := f.stats[t]
	if !ok {
		return 0.5, 0
	}

	spamTotal := float64(f.totalSpam)
	hamTotal := float64(f.totalHam)
	if spamTotal == 0 {
		spamTotal = 1
	}
	if hamTotal == 0 {
		hamTotal = 1
	}

	// Laplace-smoothed rates (add-one smoothing).
	spamRate := (float64(ts.spam) + 1) / (spamTotal + 1)
	hamRate := (float64(ts.ham) + 1) / (hamTotal + 1)
	raw := spamRate / (spamRate + hamRate)

	// Robinson's bounding: blend the raw estimate with a neutral prior
	// (s=1, x=0.5), weighted by how many times we've actually seen the
	// token, so rare tokens don't swing the score wildly.
	const s = 1.0
	const x = 0.5
	n := float64(ts.spam + ts.ham)
	p = (s*x + n*raw) / (s + n)

	return p, ts.spam + ts.ham
}

// Score combines the most extreme per-token probabilities (by distance
// from 0.5) via Fisher's inverse chi-square method, returning a
// combined spam probability in [0, 1].
func (f *Filter) Score(text string) float64 {
	tokens := Tokenize(text)

	f.mu.RLock()
	defer f.mu.RUnlock()

	seen := map[string]bool{}
	var candidates []scored
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true

		p, occ := f.tokenProbability(t)
		if occ < f.MinOccurrences {
			continue
		}
		candidates = append(candidates, scored{p: p, dist: math.Abs(p - 0.5)})
	}

	if len(candidates) == 0 {
		return 0.5
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist > candidates[j].dist })
	if len(candidates) > f.TopN {
		candidates = candidates[:f.TopN]
	}

	return fisherCombine(candidates)
}

func fisherCombine(candidates []scored) float64 {
	n := len(candidates)
	var h, hInv float64 // -2*ln(prod p) and -2*ln(prod (1-p))

	for _, c := range candidates {
		p := clamp(c.p)
		h += math.Log(p)
		hInv += math.Log(1 - p)
	}
	h = -2 * h
	hInv = -2 * hInv

	// Each is chi-square distributed with 2n degrees of freedom; combine
	// via the inverse chi-square CDF as Robinson proposes.
	pSpam := chiSquareCDFComplement(h, 2*n)
	pHam := chiSquareCDFComplement(hInv, 2*n)

	// Final combined score per Robinson/Graham's "combined indicator".
	return (1 + pSpam - pHam) / 2
}

func clamp(p float64) float64 {
	const eps = 1e-6
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}

// chiSquareCDFComplement returns P(X >= x) for a chi-square distribution
// with k degrees of freedom, where k is always even here (k = 2n). For
// even k this has a closed form: a finite sum, avoiding a dependency on
// a numerical special-functions package that isn't present anywhere in
// this codebase's dependency set.
func chiSquareCDFComplement(x float64, k int) float64 {
	if x < 0 {
		x = 0
	}
	m := k / 2
	term := math.Exp(-x / 2)
	sum := term
	for i := 1; i < m; i++ {
		term *= (x / 2) / float64(i)
		sum += term
	}
	return sum
}
