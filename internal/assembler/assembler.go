// Package assembler coalesces a deployment's raw log-line stream into
// completed error events, merging stack-trace continuation lines into
// the trace that started them.
package assembler

import (
	"sync"
	"time"

	"github.com/errly-io/errly/internal/classify"
	"github.com/errly-io/errly/pkg/models"
)

const (
	maxBufferLines = 100
	idleTimeout    = 2000 * time.Millisecond
)

type state int

const (
	stateIdle state = iota
	stateCollecting
)

// Event is a completed error, ready for the grouper.
type Event struct {
	Message    string
	StackTrace string
	Severity   models.Severity
	Endpoint   *string
	RawLog     string
}

// TimeoutFunc receives a completed trace that Feed does not return: one
// flushed by the idle timer, one flushed because the next line arrived more
// than the idle timeout after the last, and one ended by a line that is
// itself a single-line error (Feed returns that line's event instead).
type TimeoutFunc func(Event)

// Assembler is the per-deployment state machine described in the stack
// trace assembly component. It is NOT safe for concurrent Feed calls from
// multiple goroutines — exactly one task per deployment must drive it —
// but Feed and the timer race on the same mutex so a timeout flush cannot
// interleave with a Feed call.
type Assembler struct {
	mu sync.Mutex

	st          state
	buffer      []string
	language    string
	severity    models.Severity
	endpoint    *string
	rawFirst    string
	message     string
	lastLineTs  time.Time

	timer    *time.Timer
	onTimeout TimeoutFunc
}

// New creates an Assembler that invokes onTimeout for each completed trace
// that Feed does not return (see TimeoutFunc).
func New(onTimeout TimeoutFunc) *Assembler {
	return &Assembler{st: stateIdle, onTimeout: onTimeout}
}

// Feed processes one log line arriving at ts. It returns a completed event
// and true when the line itself terminates a trace (a non-continuation
// line, or a single-line error received in IDLE); it returns false when
// the line was buffered for a still-open trace.
func (a *Assembler) Feed(line string, ts time.Time) (Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.st == stateCollecting && ts.Sub(a.lastLineTs) > idleTimeout {
		ev := a.flushLocked()
		a.dispatchTimeout(ev)
		// fall through: treat the new line as if received in IDLE
	}

	a.lastLineTs = ts

	switch a.st {
	case stateIdle:
		return a.feedIdle(line)
	default:
		return a.feedCollecting(line)
	}
}

func (a *Assembler) feedIdle(line string) (Event, bool) {
	result := classify.Classify(line)
	if !result.IsError {
		return Event{}, false
	}

	if classify.IsTraceStart(line) {
		a.st = stateCollecting
		a.buffer = []string{line}
		a.language = result.Language
		a.severity = result.Severity
		a.endpoint = result.Endpoint
		a.rawFirst = line
		a.message = result.Message
		a.armTimer()
		return Event{}, false
	}

	return Event{
		Message:    result.Message,
		StackTrace: line,
		Severity:   result.Severity,
		Endpoint:   result.Endpoint,
		RawLog:     line,
	}, true
}

func (a *Assembler) feedCollecting(line string) (Event, bool) {
	// classify.IsContinuation already treats "[cause]:"/"Caused by:" as a
	// continuation regardless of the inferred language.
	if classify.IsContinuation(line, a.language) {
		a.buffer = append(a.buffer, line)
		if len(a.buffer) >= maxBufferLines {
			ev := a.flushLocked()
			return ev, true
		}
		a.armTimer()
		return Event{}, false
	}

	// Not a continuation: flush the current trace and return it, then treat
	// this line as a fresh arrival in IDLE. If that line is itself a
	// single-line error, its event is returned and the flushed trace goes to
	// the completion callback, so neither is lost.
	ev := a.flushLocked()
	a.st = stateIdle
	next, ok := a.feedIdle(line)
	if ok {
		a.dispatchTimeout(ev)
		return next, true
	}
	return ev, true
}

// flushLocked produces the completed event from the current buffer,
// resets state to IDLE, and cancels any pending timer. Caller must hold
// a.mu.
func (a *Assembler) flushLocked() Event {
	ev := Event{
		Message:    a.message,
		StackTrace: joinLines(a.buffer),
		Severity:   a.severity,
		Endpoint:   a.endpoint,
		RawLog:     a.rawFirst,
	}
	a.buffer = nil
	a.st = stateIdle
	a.cancelTimer()
	return ev
}

// IsCollecting reports whether a trace is currently being buffered. The
// log watcher uses this to decide whether a line that produced no
// completed event was merged into an open trace or simply ignored (in
// which case the platform's own line-level severity metadata is
// consulted instead).
func (a *Assembler) IsCollecting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st == stateCollecting
}

// Flush forces completion of any in-progress trace, e.g. on deployment
// teardown. Returns ok=false if nothing was being collected.
func (a *Assembler) Flush() (Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.st != stateCollecting {
		return Event{}, false
	}
	return a.flushLocked(), true
}

func (a *Assembler) armTimer() {
	a.cancelTimer()
	a.timer = time.AfterFunc(idleTimeout, a.onIdleTimeout)
}

func (a *Assembler) cancelTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Assembler) onIdleTimeout() {
	a.mu.Lock()
	if a.st != stateCollecting {
		a.mu.Unlock()
		return
	}
	ev := a.flushLocked()
	a.mu.Unlock()
	a.dispatchTimeout(ev)
}

func (a *Assembler) dispatchTimeout(ev Event) {
	if a.onTimeout != nil && ev.Message != "" {
		a.onTimeout(ev)
	}
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
