package engine

import (
	"time"

	"github.com/shiraishimai/imap-client-go"
)

// armIdle starts (or restarts) the idle notification timer. It fires OnIdle exactly once per
// idle period; Enqueue cancels it as soon as a command arrives.
func (q *Queue) armIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.idleTimer != nil {
		q.idleTimer.Stop()
	}
	if q.idleDelay <= 0 || q.OnIdle == nil {
		return
	}
	onIdle := q.OnIdle
	q.idleTimer = time.AfterFunc(q.idleDelay, func() {
		Guard(q.logger, "on_idle", onIdle)
	})
}

func (q *Queue) cancelIdleLocked() {
	if q.idleTimer != nil {
		q.idleTimer.Stop()
		q.idleTimer = nil
	}
}

// armSocketTimeout arms a per-write deadline sized for n bytes, and
// starts a matching watchdog timer. Per spec, the timer is not scoped
// to the write completing: it guards the whole "we wrote, now we're
// waiting to hear from the server" window, and any inbound byte
// cancels it (see NoteInboundActivity), not just the response to this
// particular write. A fired deadline surfaces as a write error on the
// next Write call, which writeRaw already funnels as fatal; this timer
// additionally reports a *imap.TimeoutError if nothing at all comes
// back before the budget elapses.
func (q *Queue) armSocketTimeout(n int) {
	if q.deadline == nil {
		return
	}
	budget := q.socketLowerBound + time.Duration(float64(n)*q.socketMultiplier*float64(time.Millisecond))
	_ = q.deadline.SetWriteDeadline(time.Now().Add(budget))

	q.mu.Lock()
	if q.socketTimer != nil {
		q.socketTimer.Stop()
	}
	cmd := q.current
	q.socketTimer = time.AfterFunc(budget, func() {
		if cmd != nil {
			q.failCurrent(cmd, &imap.TimeoutError{Err: errSocketTimeout})
		}
	})
	q.mu.Unlock()
}

func (q *Queue) cancelSocketTimeout() {
	q.mu.Lock()
	if q.socketTimer != nil {
		q.socketTimer.Stop()
		q.socketTimer = nil
	}
	q.mu.Unlock()
	if q.deadline != nil {
		_ = q.deadline.SetWriteDeadline(time.Time{})
	}
}

// NoteInboundActivity cancels the per-write socket timeout. Spec §5:
// "Any inbound byte cancels the timer" — a command whose response is
// still legitimately streaming in (a large FETCH/SEARCH) must not be
// torn down just because more than SocketLowerBound has elapsed since
// the last write. The background reader calls this on every read that
// returns at least one byte, before handing anything to the framer.
func (q *Queue) NoteInboundActivity() {
	q.cancelSocketTimeout()
}

var errSocketTimeout = timeoutSentinel("imap: socket write timeout")

type timeoutSentinel string

func (e timeoutSentinel) Error() string { return string(e) }
