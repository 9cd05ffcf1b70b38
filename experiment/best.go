package experiment

// BestTracker remembers the highest precision seen so far. The zero value starts at 0.
type BestTracker struct {
	best float64
}

// Restore sets the starting value from a resumed checkpoint.
func (b *BestTracker) Restore(v float64) { b.best = v }

// Update folds in a new precision and reports whether it strictly beat the previous best.
func (b *BestTracker) Update(precision float64) bool {
	if precision > b.best {
		b.best = precision
		return true
	}
	return false
}

// Value is the best precision so far.
func (b *BestTracker) Value() float64 { return b.best }
