package connection

import (
	"context"
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
	"sync/atomic"
	"time"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// responseResult is the outcome of a correlated request
type responseResult struct {
	resp *codec.Response
	err  error
}

// waiter is the one-shot completion handle of a request waiting for its response
type waiter struct {
	expectedKey uint16
	ch          chan responseResult
	once        sync.Once
}

func newWaiter(expectedKey uint16) *waiter {
	return &waiter{expectedKey: expectedKey, ch: make(chan responseResult, 1)}
}

func (w *waiter) complete(result responseResult) {
	w.once.Do(func() { w.ch <- result })
}

// staleSlotAge is how long an abandoned request or an unclaimed response is
// kept before sweep removes it
const staleSlotAge = time.Minute

// slot holds either a response that arrived before anyone waited for it, a
// waiter that is not answered yet, or marks an abandoned (timed out) request
type slot struct {
	resp      *codec.Response
	waiter    *waiter
	abandoned bool
	// set for arrived responses and abandoned requests
	since time.Time
}

// correlator matches responses to requests by correlation id. Each id is
// resolved exactly once: either deliver finds the waiter, or expect finds the
// arrived response. Both decisions happen atomically per id.
type correlator struct {
	slots    *xsync.MapOf[uint32, *slot]
	closed   atomic.Pointer[error]
	maxStale time.Duration
}

func newCorrelator() *correlator {
	return &correlator{slots: xsync.NewMapOf[uint32, *slot](), maxStale: staleSlotAge}
}

// --------------------------------------------------------------------------
// Matching
// --------------------------------------------------------------------------

// matchKey fails a response with an unexpected key for its correlation id
func matchKey(correlationID uint32, expectedKey uint16, resp *codec.Response) responseResult {
	if resp.Key != expectedKey {
		return responseResult{err: common.NewProtocolError("correlation id %d: waiting for key 0x%04x, found key 0x%04x",
			correlationID, expectedKey, resp.Key)}
	}
	return responseResult{resp: resp}
}

// expect consumes an already arrived response for the id or registers a
// waiter that the reader will complete
func (c *correlator) expect(correlationID uint32, expectedKey uint16) *waiter {
	w := newWaiter(expectedKey)

	var arrived *codec.Response
	c.slots.Compute(correlationID, func(old *slot, loaded bool) (*slot, bool) {
		if loaded && old.resp != nil {
			arrived = old.resp
			return nil, true
		}
		return &slot{waiter: w}, false
	})

	if arrived != nil {
		w.complete(matchKey(correlationID, expectedKey, arrived))
		return w
	}

	pendingRequests.Add(1)
	// the connection may have been torn down while the waiter was registered
	if reason := c.closed.Load(); reason != nil {
		c.fail(correlationID, w, *reason)
	}
	return w
}

// deliver hands a response to its waiter, or keeps it until expect is called.
// It returns true when a waiter was completed.
func (c *correlator) deliver(resp *codec.Response) bool {
	var w *waiter
	c.slots.Compute(resp.CorrelationID, func(old *slot, loaded bool) (*slot, bool) {
		switch {
		case !loaded:
			return &slot{resp: resp, since: time.Now()}, false
		case old.waiter != nil:
			w = old.waiter
			return nil, true
		case old.abandoned:
			return nil, true
		default:
			// a second response for the same id, keep the first one
			Logger.Warningf("Dropping duplicate response %s for correlation id %d", common.KeyName(resp.Key), resp.CorrelationID)
			return old, false
		}
	})

	if w == nil {
		return false
	}
	pendingRequests.Add(-1)
	w.complete(matchKey(resp.CorrelationID, w.expectedKey, resp))
	return true
}

// await blocks until the waiter is completed, the context is done or the
// timeout (0 = none) elapsed
func (c *correlator) await(ctx context.Context, correlationID uint32, w *waiter, timeout time.Duration) (*codec.Response, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case result := <-w.ch:
		return result.resp, result.err
	case <-timeoutCh:
		c.abandon(correlationID, w)
		return nil, common.ErrRequestTimeout
	case <-ctx.Done():
		c.abandon(correlationID, w)
		return nil, ctx.Err()
	}
}

// abandon marks a request whose caller stopped waiting, a late response is dropped
func (c *correlator) abandon(correlationID uint32, w *waiter) {
	removed := false
	c.slots.Compute(correlationID, func(old *slot, loaded bool) (*slot, bool) {
		if loaded && old.waiter == w {
			removed = true
			return &slot{abandoned: true, since: time.Now()}, false
		}
		return old, !loaded
	})
	if removed {
		pendingRequests.Add(-1)
	}
	c.sweep(time.Now())
}

// sweep removes abandoned requests and unclaimed responses older than maxStale
func (c *correlator) sweep(now time.Time) {
	c.slots.Range(func(id uint32, s *slot) bool {
		if s.waiter == nil && now.Sub(s.since) > c.maxStale {
			c.slots.Compute(id, func(old *slot, loaded bool) (*slot, bool) {
				// the slot may have been claimed in between
				if loaded && old != s {
					return old, false
				}
				return nil, true
			})
		}
		return true
	})
}

// fail completes a single registered waiter with an error
func (c *correlator) fail(correlationID uint32, w *waiter, err error) {
	removed := false
	c.slots.Compute(correlationID, func(old *slot, loaded bool) (*slot, bool) {
		if loaded && old.waiter == w {
			removed = true
			return nil, true
		}
		return old, !loaded
	})
	if removed {
		pendingRequests.Add(-1)
		w.complete(responseResult{err: err})
	}
}

// failAll completes every pending waiter with err and rejects future waiters
func (c *correlator) failAll(err error) {
	c.closed.CompareAndSwap(nil, &err)

	c.slots.Range(func(id uint32, s *slot) bool {
		if s.waiter != nil {
			c.fail(id, s.waiter, err)
		} else {
			c.slots.Delete(id)
		}
		return true
	})
}

// pending returns the number of registered waiters
func (c *correlator) pending() int {
	n := 0
	c.slots.Range(func(_ uint32, s *slot) bool {
		if s.waiter != nil {
			n++
		}
		return true
	})
	return n
}

// arrived returns the number of responses nobody waited for yet
func (c *correlator) arrived() int {
	n := 0
	c.slots.Range(func(_ uint32, s *slot) bool {
		if s.resp != nil {
			n++
		}
		return true
	})
	return n
}
