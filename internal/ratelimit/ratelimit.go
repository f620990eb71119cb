// Package ratelimit implements the executor's local admission control.
//
// Unlike a token bucket that queues a caller until a slot opens, this
// limiter denies outright: queueing a reduce-only order for later would
// stretch an already-stale market snapshot into a price nobody wanted by
// the time it posts. Each category (submit, cancel) tracks admits in a
// rolling 1-second window; risk intents bypass the limiter entirely since a
// panic close or protective-stop replacement must never be denied for
// budget reasons.
package ratelimit

import (
	"sync"
	"time"
)

const windowSize = time.Second

// Kind names an admission-control category.
type Kind string

const (
	KindSubmit Kind = "submit"
	KindCancel Kind = "cancel"
)

// window is a sliding-window counter: timestamps of admits still inside the
// trailing windowSize are kept; everything older is evicted lazily on the
// next TryAdmit call.
type window struct {
	mu      sync.Mutex
	limit   int
	admits  []time.Time
}

func newWindow(limit int) *window {
	return &window{limit: limit}
}

func (w *window) tryAdmit(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-windowSize)
	i := 0
	for i < len(w.admits) && w.admits[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.admits = w.admits[i:]
	}

	if len(w.admits) >= w.limit {
		return false
	}
	w.admits = append(w.admits, now)
	return true
}

// Limiter is the process-wide rate limiter, one window per category.
type Limiter struct {
	submit *window
	cancel *window
}

// New creates a Limiter admitting up to maxSubmitsPerSec submissions and
// maxCancelsPerSec cancels in any trailing 1-second window.
func New(maxSubmitsPerSec, maxCancelsPerSec int) *Limiter {
	return &Limiter{
		submit: newWindow(maxSubmitsPerSec),
		cancel: newWindow(maxCancelsPerSec),
	}
}

// TryAdmit reports whether an action of the given kind may proceed right
// now. isRisk bypasses admission control entirely and always returns true;
// the call is still observed for metrics purposes by the caller.
func (l *Limiter) TryAdmit(kind Kind, isRisk bool) bool {
	if isRisk {
		return true
	}
	now := time.Now()
	switch kind {
	case KindSubmit:
		return l.submit.tryAdmit(now)
	case KindCancel:
		return l.cancel.tryAdmit(now)
	default:
		return false
	}
}
