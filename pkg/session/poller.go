package session

import "time"

// Poller rate-limits polling to once per wall-clock interval, one second by
// default. It is meant to be ticked from a faster refresh loop that has
// other work to do.
type Poller struct {
	m        *Manager
	interval time.Duration
	last     int64
	started  bool
}

// NewPoller wraps m. A non-positive interval means one second.
func NewPoller(m *Manager, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{m: m, interval: interval}
}

// Tick polls if now falls in a later interval than the last poll.
func (p *Poller) Tick(now time.Time) (State, bool) {
	slot := now.UnixNano() / int64(p.interval)
	if p.started && slot == p.last {
		return nil, false
	}
	p.started = true
	p.last = slot
	return p.m.Poll(), true
}
