package execution

import (
	"fmt"
	"sync/atomic"
)

// clientIDFactory generates client order IDs scoped to a single process
// run, so shutdown and recalibration can distinguish this run's orders from
// any the process placed in a prior life. Mirrors the pack's uuid.New()
// idiom for order identifiers, with a monotonic counter suffix so two
// submissions in the same millisecond never collide.
type clientIDFactory struct {
	prefix string
	runID  string
	seq    int64
}

func newClientIDFactory(prefix, runID string) *clientIDFactory {
	return &clientIDFactory{prefix: prefix, runID: runID}
}

func (f *clientIDFactory) next() string {
	n := atomic.AddInt64(&f.seq, 1)
	return fmt.Sprintf("%s-%s-%d", f.prefix, f.runID, n)
}
