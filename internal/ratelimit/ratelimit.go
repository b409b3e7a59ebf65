// Package ratelimit implements the RateLimiter of spec §4.10: fixed-
// 60s-window counters keyed by a string user_key, checked against both
// a global per-operation cap and a per-user cap, returning a
// Reservation guard whose Revert undoes the increment unless it was
// committed.
//
// Grounded on the original's rate_limiter.rs: a global usage cache and
// a per-user usage cache, each a map of window-keyed counters, and the
// commit/revert reservation split (RateLimitReservation's Drop impl).
// The unlimited-user override is a github.com/deckarep/golang-set/v2
// Set rather than a bare map, matching how the rest of this module
// reaches for a pack library over a hand-rolled set type.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/rrelayer/rrelayer/internal/relayererr"
)

// Operation is the rate-limited action kind (spec §4.10).
type Operation int

const (
	OpTransaction Operation = iota
	OpSigning
)

func (o Operation) String() string {
	if o == OpSigning {
		return "signing"
	}
	return "transaction"
}

// WindowSeconds is the fixed window size every counter uses (spec
// §4.10).
const WindowSeconds = 60

// Limits is the cap configuration for one tier (global or per-user).
type Limits struct {
	TransactionsPerMinute *uint64
	SigningPerMinute      *uint64
}

func (l Limits) forOp(op Operation) (uint64, bool) {
	var p *uint64
	if op == OpSigning {
		p = l.SigningPerMinute
	} else {
		p = l.TransactionsPerMinute
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Config configures the limiter: an optional global cap shared across
// all users, a default per-user cap, and a set of user keys exempted
// from the per-user cap only (spec §4.10: "an optional unlimited-user
// override set").
type Config struct {
	Global           *Limits
	PerUser          Limits
	UnlimitedUserSet mapset.Set[string]
}

type window struct {
	start time.Time
	count uint64
}

// Limiter is the fixed-window rate limiter.
type Limiter struct {
	cfg Config

	mu     sync.Mutex
	user   map[string]window
	global map[string]window
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:    cfg,
		user:   make(map[string]window),
		global: make(map[string]window),
	}
}

func windowStart(now time.Time) time.Time {
	sec := now.Unix() / WindowSeconds * WindowSeconds
	return time.Unix(sec, 0)
}

// Reservation is the guard returned by CheckAndReserve. Commit disarms
// the implicit revert; an uncommitted Reservation must be explicitly
// Reverted (or left to its zero value, which is a no-op) by the caller
// once the outcome is known (spec §4.10, §8 law 6).
type Reservation struct {
	limiter  *Limiter
	userKey  string
	op       Operation
	global   bool
	reserved bool
}

// Commit disarms the reservation: the usage increment is kept
// permanently.
func (r *Reservation) Commit() {
	r.reserved = false
}

// Revert undoes the reservation's increment if it has not already been
// committed.
func (r *Reservation) Revert() {
	if r == nil || !r.reserved {
		return
	}
	r.reserved = false
	r.limiter.decrement(r.userKey, r.op, r.global)
}

// CheckAndReserve atomically checks the global and per-user caps for
// (userKey, op) and, if both allow it, increments both counters and
// returns a Reservation the caller must Commit or Revert (spec §4.10).
func (l *Limiter) CheckAndReserve(userKey string, op Operation) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	hasGlobal := false
	if l.cfg.Global != nil {
		if limit, ok := l.cfg.Global.forOp(op); ok {
			key := op.String()
			w := l.global[key]
			if w.start.IsZero() || now.Sub(w.start) > WindowSeconds*time.Second {
				w = window{start: windowStart(now)}
			}
			if w.count+1 > limit {
				return nil, relayererr.Reject(fmt.Errorf("global %s limit %d exceeded: %w", op, limit, relayererr.ErrRateLimitExceeded))
			}
			w.count++
			l.global[key] = w
			hasGlobal = true
		}
	}

	if !l.isUnlimited(userKey) {
		if limit, ok := l.cfg.PerUser.forOp(op); ok {
			key := fmt.Sprintf("%s_%s", userKey, op)
			w := l.user[key]
			if w.start.IsZero() || now.Sub(w.start) > WindowSeconds*time.Second {
				w = window{start: windowStart(now)}
			}
			if w.count+1 > limit {
				if hasGlobal {
					gw := l.global[op.String()]
					gw.count--
					l.global[op.String()] = gw
				}
				return nil, relayererr.Reject(fmt.Errorf("user %s %s limit %d exceeded: %w", userKey, op, limit, relayererr.ErrRateLimitExceeded))
			}
			w.count++
			l.user[key] = w
		}
	}

	return &Reservation{limiter: l, userKey: userKey, op: op, global: hasGlobal, reserved: true}, nil
}

func (l *Limiter) isUnlimited(userKey string) bool {
	if l.cfg.UnlimitedUserSet == nil {
		return false
	}
	return l.cfg.UnlimitedUserSet.Contains(userKey)
}

func (l *Limiter) decrement(userKey string, op Operation, global bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decrementLocked(userKey, op, global)
}

func (l *Limiter) decrementLocked(userKey string, op Operation, global bool) {
	if global {
		key := op.String()
		if w, ok := l.global[key]; ok && w.count > 0 {
			w.count--
			l.global[key] = w
		}
	}
	key := fmt.Sprintf("%s_%s", userKey, op)
	if w, ok := l.user[key]; ok && w.count > 0 {
		w.count--
		l.user[key] = w
	}
}
