package correlate

import "watchpost/core"

// Candidate is a finding competing in arbitration. Order is the producer's
// registration position: rule detectors first, the outlier scorer last.
type Candidate struct {
	Source  string
	Order   int
	Finding core.Finding
}

// Arbitrate picks the single winning anomaly among candidates: highest
// severity, then highest confidence, then lowest registration order.
// Negative findings never win. The result does not depend on the order of
// the input slice.
func Arbitrate(candidates []Candidate) (Candidate, bool) {
	var (
		best  Candidate
		found bool
	)
	for _, c := range candidates {
		if !c.Finding.IsAnomaly {
			continue
		}
		if !found || beats(c, best) {
			best, found = c, true
		}
	}
	return best, found
}

func beats(a, b Candidate) bool {
	if a.Finding.Outranks(b.Finding) {
		return true
	}
	if b.Finding.Outranks(a.Finding) {
		return false
	}
	return a.Order < b.Order
}
