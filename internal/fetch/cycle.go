package fetch

import (
	"context"
	"image"
	"slices"
	"sync"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/wms-tile-cache/internal/stats"
)

// State of one request within a cycle.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateRetrying
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Result is the outcome of one request.
type Result struct {
	Request   model.TileRequest
	State     State
	Image     image.Image
	Err       error
	Attempts  int
	FromCache bool
}

// Cycle is one running batch of requests. All methods are safe for
// concurrent use.
type Cycle struct {
	id     uint64
	cancel context.CancelFunc
	stop   func() bool
	mode   string

	counters   *stats.Counters
	onTile     func(done, total int)
	onComplete func([]Result)

	mu        sync.Mutex
	cbMu      sync.Mutex
	results   []Result
	remaining int
	finished  bool
	cancelled bool
	done      chan struct{}
}

func (c *Cycle) ID() uint64 { return c.id }

// Done is closed once every request is terminal or the cycle is cancelled.
func (c *Cycle) Done() <-chan struct{} { return c.done }

// Cancel marks every non-terminal request Cancelled and releases waiters. It
// never blocks on in-flight requests and suppresses every later callback.
func (c *Cycle) Cancel() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.cancelled = true
	for i := range c.results {
		if !c.results[i].State.Terminal() {
			c.results[i].State = StateCancelled
			c.results[i].Err = ErrCancelled
		}
	}
	close(c.done)
	c.mu.Unlock()
	c.cancel()
	c.release()
	observability.ObserveCycle(c.mode, "cancelled")
}

// release detaches the cycle from its parent context.
func (c *Cycle) release() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *Cycle) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Results returns a copy of the current per-request results.
func (c *Cycle) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.results)
}

// Wait blocks until the cycle is done or ctx ends. A cancelled cycle returns
// ErrCancelled.
func (c *Cycle) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return nil, ErrCancelled
	}
	return slices.Clone(c.results), nil
}

func (c *Cycle) setState(i int, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.results[i].State = s
	return true
}

// complete records a terminal result. It reports false when the cycle was
// already cancelled, in which case the result is dropped. Progress callbacks
// run in completion order and before Done is closed.
func (c *Cycle) complete(i int, r Result) bool {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return false
	}
	r.Request = c.results[i].Request
	c.results[i] = r
	c.remaining--
	total := len(c.results)
	doneN := total - c.remaining
	last := c.remaining == 0
	var snapshot []Result
	if last {
		c.finished = true
		snapshot = slices.Clone(c.results)
	}
	c.cbMu.Lock()
	c.mu.Unlock()

	observability.ObserveTileOutcome(r.State.String())
	if r.State == StateFailed && c.counters != nil {
		c.counters.IncError()
	}
	if c.onTile != nil {
		c.onTile(doneN, total)
	}
	if last {
		close(c.done)
	}
	c.cbMu.Unlock()

	if last {
		c.release()
		c.cancel()
		observability.ObserveCycle(c.mode, outcomeOf(snapshot))
		if c.onComplete != nil {
			c.onComplete(snapshot)
		}
	}
	return true
}

// finishEmpty completes a cycle that has no requests.
func (c *Cycle) finishEmpty() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	close(c.done)
	c.mu.Unlock()
	c.release()
	c.cancel()
	observability.ObserveCycle(c.mode, "empty")
	if c.onComplete != nil {
		c.onComplete([]Result{})
	}
}

func outcomeOf(rs []Result) string {
	failed := 0
	for _, r := range rs {
		if r.State == StateFailed {
			failed++
		}
	}
	switch {
	case failed == 0:
		return "complete"
	case failed == len(rs):
		return "failed"
	default:
		return "partial"
	}
}
