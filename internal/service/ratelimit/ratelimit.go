package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Dima4663737373/private-messanger-sub001/internal/config"

	"golang.org/x/time/rate"
)

type (
	// Window is a sliding-window limiter: it retains timestamps of
	// accepted events per key, prunes anything outside the window on
	// each check, and rejects once the window is at capacity. A
	// rejection mutates nothing.
	Window struct {
		limit int
		span  time.Duration

		mu     sync.Mutex
		events map[string][]time.Time
		now    func() time.Time
	}

	// Guard bundles the relay's limiters: per-connection message rate,
	// per-identity/origin control-operation caps (with a tighter window
	// for expensive operations), and per-origin connection
	// establishment.
	Guard struct {
		messages *Window
		control  *Window
		tight    *Window

		originMu    sync.Mutex
		origins     map[string]*originEntry
		originRate  rate.Limit
		originBurst int
		now         func() time.Time
	}

	originEntry struct {
		lim      *rate.Limiter
		lastSeen time.Time
	}
)

func NewWindow(limit int, span time.Duration) *Window {
	return &Window{
		limit:  limit,
		span:   span,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an event for key if the window has capacity.
func (w *Window) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.span)

	kept := w.events[key][:0]
	for _, ts := range w.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= w.limit {
		w.events[key] = kept
		return false
	}

	w.events[key] = append(kept, now)
	return true
}

// Forget drops all state for key; called when a connection closes.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, key)
}

// Sweep removes keys whose retained events have all aged out.
func (w *Window) Sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.span)
	for key, evs := range w.events {
		live := false
		for _, ts := range evs {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(w.events, key)
		}
	}
}

func NewGuard(cfg config.RateConfig) *Guard {
	interval := cfg.OriginWindow / time.Duration(cfg.OriginConns)
	if interval <= 0 {
		interval = time.Second
	}

	return &Guard{
		messages:    NewWindow(cfg.MessageLimit, cfg.MessageWindow),
		control:     NewWindow(cfg.ControlLimit, cfg.ControlWindow),
		tight:       NewWindow(cfg.TightLimit, cfg.TightWindow),
		origins:     make(map[string]*originEntry),
		originRate:  rate.Every(interval),
		originBurst: cfg.OriginConns,
		now:         time.Now,
	}
}

// AllowMessage gates DM traffic for one connection.
func (g *Guard) AllowMessage(connID string) bool {
	return g.messages.Allow(connID)
}

// AllowControl gates ordinary control operations for an identity (or
// network origin when no session exists yet).
func (g *Guard) AllowControl(key string) bool {
	return g.control.Allow(key)
}

// AllowExpensive gates operations with a tighter window (search,
// profile writes).
func (g *Guard) AllowExpensive(key string) bool {
	return g.tight.Allow(key)
}

// AllowConnection gates connection establishment per network origin.
func (g *Guard) AllowConnection(origin string) bool {
	g.originMu.Lock()
	defer g.originMu.Unlock()

	e, ok := g.origins[origin]
	if !ok {
		e = &originEntry{lim: rate.NewLimiter(g.originRate, g.originBurst)}
		g.origins[origin] = e
	}
	e.lastSeen = g.now()
	return e.lim.Allow()
}

// Forget drops per-connection state on disconnect.
func (g *Guard) Forget(connID string) {
	g.messages.Forget(connID)
}

// StartSweeper prunes idle limiter state every interval until ctx is
// cancelled.
func (g *Guard) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				g.messages.Sweep()
				g.control.Sweep()
				g.tight.Sweep()
				g.sweepOrigins(interval)
			}
		}
	}()
}

func (g *Guard) sweepOrigins(idle time.Duration) {
	g.originMu.Lock()
	defer g.originMu.Unlock()

	cutoff := g.now().Add(-idle)
	for origin, e := range g.origins {
		if e.lastSeen.Before(cutoff) {
			delete(g.origins, origin)
		}
	}
}
