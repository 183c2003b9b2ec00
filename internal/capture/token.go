package capture

import "sync/atomic"

// Token is the cooperative cancellation flag shared by reference between the
// session controller and every capture pipeline. Device callbacks can fire
// after a stop request but before hardware teardown completes, so pipelines
// check the token at the point of emission, not at start.
type Token struct {
	active atomic.Bool
}

func NewToken() *Token {
	t := &Token{}
	t.active.Store(true)
	return t
}

// Cancel flips the token off. Idempotent; pending callbacks become no-ops.
func (t *Token) Cancel() {
	t.active.Store(false)
}

// Active reports whether emission is still allowed.
func (t *Token) Active() bool {
	return t.active.Load()
}
