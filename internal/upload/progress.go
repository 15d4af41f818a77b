package upload

import "sync"

// Progress reports a monotonically non-decreasing completion percentage.
// A stale or duplicate part report can never move the number backwards.
type Progress struct {
	mu        sync.Mutex
	total     int
	completed map[int32]bool
	best      int
}

// NewProgress tracks totalParts parts; totalParts of 1 models a single PUT.
func NewProgress(totalParts int) *Progress {
	if totalParts < 1 {
		totalParts = 1
	}
	return &Progress{total: totalParts, completed: make(map[int32]bool)}
}

// MarkPart records a finished part and returns the current percentage.
func (p *Progress) MarkPart(partNumber int32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed[partNumber] = true
	pct := len(p.completed) * 100 / p.total
	if pct > 100 {
		pct = 100
	}
	if pct > p.best {
		p.best = pct
	}
	return p.best
}

// Percent returns the highest percentage observed so far.
func (p *Progress) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.best
}
