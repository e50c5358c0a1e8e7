// Package aggregate implements the Aggregation Engine (C6): a per-
// (platform,target) sliding-delay bundler with a bounded FIFO backlog and a
// global mute gate, following the formal invariants of spec §4.10 exactly.
// Grounded on the teacher's HITL workflow's single-timer-per-entity
// discipline (server/hitl.go re-arms one timer per workflow rather than
// stacking them) and its table-under-mutex idiom (server/plugin.go holds
// every collaborator under one RWMutex), generalized here to a per-key
// table where each key owns exactly one pending timer.
package aggregate

import (
	"sync"
	"time"

	"github.com/nickmisasi/ghrelay/internal/notify/formatter"
)

// MaxBacklog is the per-key bounded backlog cap (spec §3, N=10).
const MaxBacklog = 10

// Sender is the drain target; internal/notify/sender.Sender implements this.
type Sender interface {
	SendBatch(key string, records []formatter.NotificationRecord)
}

// MuteState is the process-global, single-writer mute gate (spec §3).
type MuteState struct {
	mu         sync.RWMutex
	mutedUntil time.Time
}

// Active reports whether now is within the active mute window.
func (m *MuteState) Active(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return now.Before(m.mutedUntil)
}

// MuteUntil sets the mute deadline.
func (m *MuteState) MuteUntil(deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutedUntil = deadline
}

// Clear ends any active mute immediately.
func (m *MuteState) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutedUntil = time.Time{}
}

type group struct {
	messages []formatter.NotificationRecord
	timer    *time.Timer
}

// Engine holds the per-key aggregation table. Exactly one pending timer
// exists per non-empty key, or the key is mid-drain (spec §3's invariant).
type Engine struct {
	mu    sync.Mutex
	table map[string]*group
	delay time.Duration
	mute  *MuteState
	send  Sender
	now   func() time.Time
}

// NewEngine builds an Engine draining into send after delay of inactivity
// per key, gated by mute.
func NewEngine(delay time.Duration, mute *MuteState, send Sender) *Engine {
	return &Engine{
		table: map[string]*group{},
		delay: delay,
		mute:  mute,
		send:  send,
		now:   time.Now,
	}
}

// Add implements the add(k, m) invariant: drop if muted; else ensure the
// group exists, cancel its pending timer, append with FIFO eviction past
// MaxBacklog, and re-arm a single fresh timer.
func (e *Engine) Add(key string, record formatter.NotificationRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mute.Active(e.now()) {
		return
	}

	g, ok := e.table[key]
	if !ok {
		g = &group{}
		e.table[key] = g
	}
	if g.timer != nil {
		g.timer.Stop()
	}

	g.messages = append(g.messages, record)
	if len(g.messages) > MaxBacklog {
		g.messages = g.messages[len(g.messages)-MaxBacklog:]
	}

	var t *time.Timer
	t = time.AfterFunc(e.delay, func() { e.onTimer(key, t) })
	g.timer = t
}

// onTimer implements the onTimer(k) invariant: under the table lock,
// snapshot and delete the group, then (outside the lock) send unless a
// mute became active in between. fired identifies which timer invoked this
// call; if Add already superseded it with a fresh timer for key (Stop()
// raced a timer that had already fired), this call is stale and must not
// drain the group the newer timer is still counting down for.
func (e *Engine) onTimer(key string, fired *time.Timer) {
	e.mu.Lock()
	g, ok := e.table[key]
	if !ok || g.timer != fired {
		e.mu.Unlock()
		return
	}
	snapshot := g.messages
	delete(e.table, key)
	e.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	if e.mute.Active(e.now()) {
		return
	}

	e.send.SendBatch(key, snapshot)
}

// PendingCount reports the current backlog size for key, for tests and
// diagnostics.
func (e *Engine) PendingCount(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.table[key]
	if !ok {
		return 0
	}
	return len(g.messages)
}
