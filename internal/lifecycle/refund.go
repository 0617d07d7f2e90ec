package lifecycle

import "time"

// RefundPolicy decides the refund percentage owed to a customer who
// cancels a session, given the time since the session was created.
type RefundPolicy interface {
	RefundPercent(elapsed time.Duration) int
}

// RefundFunc adapts a function to RefundPolicy.
type RefundFunc func(elapsed time.Duration) int

func (f RefundFunc) RefundPercent(elapsed time.Duration) int { return f(elapsed) }

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}
