package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// heartbeatTimeoutFactor is the number of intervals without any received data
// after which the peer is considered dead
const heartbeatTimeoutFactor = 2

// heartbeatMonitor sends heartbeats when the connection is idle and detects a
// silent peer. Every write and every read counts as liveness, not only
// heartbeat frames.
type heartbeatMonitor struct {
	send      func() error
	onTimeout func()

	lastSent     atomic.Int64 // unix nano
	lastReceived atomic.Int64 // unix nano

	mu       sync.Mutex
	started  bool
	stopped  bool
	interval time.Duration
	lastTick time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func newHeartbeatMonitor(send func() error, onTimeout func()) *heartbeatMonitor {
	h := &heartbeatMonitor{send: send, onTimeout: onTimeout}
	now := time.Now().UnixNano()
	h.lastSent.Store(now)
	h.lastReceived.Store(now)
	return h
}

func (h *heartbeatMonitor) reportSent() { h.lastSent.Store(time.Now().UnixNano()) }

func (h *heartbeatMonitor) reportReceived() { h.lastReceived.Store(time.Now().UnixNano()) }

// start runs the monitor with the given interval. It starts at most once and
// never for a zero interval.
func (h *heartbeatMonitor) start(interval time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started || h.stopped || interval <= 0 {
		return false
	}
	h.started = true
	h.interval = interval
	h.lastTick = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx, interval)
	return true
}

// isStarted reports whether the monitor goroutine was started
func (h *heartbeatMonitor) isStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// stop cancels the monitor and waits until its goroutine exited. It must be
// called before the socket is closed.
func (h *heartbeatMonitor) stop() {
	h.mu.Lock()
	h.stopped = true
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *heartbeatMonitor) run(ctx context.Context, interval time.Duration) {
	defer close(h.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if h.tick(now) {
				// teardown stops the monitor, so it must not run on this goroutine
				go h.onTimeout()
				return
			}
		}
	}
}

// tick sends a heartbeat if nothing was sent since the last tick and reports
// whether the peer has been silent for too long
func (h *heartbeatMonitor) tick(now time.Time) (timedOut bool) {
	h.mu.Lock()
	lastTick := h.lastTick
	h.lastTick = now
	interval := h.interval
	h.mu.Unlock()

	if h.lastSent.Load() <= lastTick.UnixNano() {
		if err := h.send(); err != nil {
			Logger.Warningf("Failed to send heartbeat: %v", err)
		} else {
			heartbeatsSent.Inc()
		}
	}

	silence := now.Sub(time.Unix(0, h.lastReceived.Load()))
	if silence >= heartbeatTimeoutFactor*interval {
		Logger.Errorf("No data received for %s (heartbeat interval %s), closing connection", silence, interval)
		heartbeatTimeouts.Inc()
		return true
	}
	return false
}
