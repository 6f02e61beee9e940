package train

import "math"

// EarlyStopper tracks the best validation loss seen so far. An epoch counts
// as an improvement only when it beats the best by more than MinDelta;
// Patience consecutive non-improvements end the run.
type EarlyStopper struct {
	MinDelta float64
	Patience int

	best      float64
	bestEpoch int
	bad       int
	seen      bool
}

func NewEarlyStopper(patience int, minDelta float64) *EarlyStopper {
	return &EarlyStopper{MinDelta: minDelta, Patience: patience, best: math.Inf(1)}
}

// Observe records one epoch's validation loss. improved reports whether this
// epoch set a new best (the caller checkpoints on it); stop reports whether
// the patience budget is spent.
func (s *EarlyStopper) Observe(epoch int, val float64) (improved, stop bool) {
	if !s.seen || s.best-val > s.MinDelta {
		s.seen = true
		s.best = val
		s.bestEpoch = epoch
		s.bad = 0
		return true, false
	}
	s.bad++
	return false, s.bad >= s.Patience
}

// Best returns the epoch and loss of the last improvement.
func (s *EarlyStopper) Best() (epoch int, loss float64) { return s.bestEpoch, s.best }
