// Package presence tracks, per tenant and session, whether the front display
// and the GM console are connected.
//
// The Registry is the single owner of presence state. Every mutation goes
// through SetStatus or Sweep and is published, in mutation order, to every
// subscriber as an Event. The registry performs no I/O of its own; the
// gateway, the reconciler and the event stream all learn about changes by
// subscribing.
package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/gmscreen/internal/model"
)

// DefaultTTL is how long a role may go without a ping before it counts as stale.
const DefaultTTL = 16 * time.Second

// ErrInvalidKey is returned when a mutation names no tenant or no session.
var ErrInvalidKey = errors.New("presence: tenant and session are required")

// Key identifies one session of one tenant.
type Key struct {
	TenantID  string
	SessionID string
}

func (k Key) String() string {
	return k.TenantID + "/" + k.SessionID
}

// Entry is a point-in-time copy of one session's presence.
type Entry struct {
	TenantID      string       `json:"tenant_id"`
	SessionID     string       `json:"session_id"`
	Front         model.Status `json:"front"`
	GM            model.Status `json:"gm"`
	LastFrontPing *time.Time   `json:"last_front_ping,omitempty"`
	LastGMPing    *time.Time   `json:"last_gm_ping,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Key returns the composite key of the entry.
func (e Entry) Key() Key {
	return Key{TenantID: e.TenantID, SessionID: e.SessionID}
}

// StatusOf returns the status of the given role.
func (e Entry) StatusOf(role model.Role) model.Status {
	if role == model.RoleGM {
		return e.GM
	}
	return e.Front
}

// PingOf returns the last ping of the given role, or nil if it never pinged.
func (e Entry) PingOf(role model.Role) *time.Time {
	if role == model.RoleGM {
		return e.LastGMPing
	}
	return e.LastFrontPing
}

// Cause says which entry point produced an event.
type Cause string

const (
	// CauseStatus marks an explicit SetStatus call (hello, close, recordOnline).
	CauseStatus Cause = "status"
	// CauseSweep marks a role forced offline by Sweep.
	CauseSweep Cause = "sweep"
)

// Event reports one change to one entry. Changed lists the roles whose
// status was written; a sweep that takes both roles offline produces a
// single event naming both.
type Event struct {
	Entry   Entry        `json:"entry"`
	Cause   Cause        `json:"cause"`
	Changed []model.Role `json:"changed"`
	At      time.Time    `json:"at"`
}

// Key returns the composite key of the changed entry.
func (ev Event) Key() Key {
	return ev.Entry.Key()
}

// GMOnline reports whether the event is the GM explicitly coming online.
func (ev Event) GMOnline() bool {
	if ev.Cause != CauseStatus || ev.Entry.GM != model.StatusOnline {
		return false
	}
	for _, r := range ev.Changed {
		if r == model.RoleGM {
			return true
		}
	}
	return false
}

// SocketProbe answers whether any open socket is bound to the given
// tenant, session and role.
type SocketProbe interface {
	HasOpenSocket(tenantID, sessionID string, role model.Role) bool
}

// ProbeFunc adapts a plain function to SocketProbe.
type ProbeFunc func(tenantID, sessionID string, role model.Role) bool

// HasOpenSocket calls f.
func (f ProbeFunc) HasOpenSocket(tenantID, sessionID string, role model.Role) bool {
	return f(tenantID, sessionID, role)
}

// Config configures a Registry. Zero values take defaults.
type Config struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

// Registry is the in-memory presence table.
type Registry struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[Key]*state
	subs    map[*subscriber]struct{}

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type state struct {
	front, gm         model.Status
	frontPing, gmPing time.Time
	createdAt         time.Time
	updatedAt         time.Time
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		ttl:     cfg.TTL,
		now:     cfg.Now,
		logger:  cfg.Logger,
		entries: make(map[Key]*state),
		subs:    make(map[*subscriber]struct{}),
	}
}

// TTL returns the staleness threshold.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Ensure returns the entry for the key, creating it with both roles offline
// if it does not exist yet.
func (r *Registry) Ensure(tenantID, sessionID string) Entry {
	k := Key{TenantID: tenantID, SessionID: sessionID}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(k, now).entry(k)
}

// Get returns the entry for the key without creating it.
func (r *Registry) Get(tenantID, sessionID string) (Entry, bool) {
	k := Key{TenantID: tenantID, SessionID: sessionID}
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.entries[k]
	if !ok {
		return Entry{}, false
	}
	return st.entry(k), true
}

// Snapshot returns the entry for the key, or an all-offline placeholder
// stamped with the current time when the session has never been seen.
// Nothing is created.
func (r *Registry) Snapshot(tenantID, sessionID string) Entry {
	if e, ok := r.Get(tenantID, sessionID); ok {
		return e
	}
	now := r.now()
	return Entry{
		TenantID:  tenantID,
		SessionID: sessionID,
		Front:     model.StatusOffline,
		GM:        model.StatusOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Sessions returns every tracked entry of a tenant, ordered by session id.
func (r *Registry) Sessions(tenantID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for k, st := range r.entries {
		if k.TenantID == tenantID {
			out = append(out, st.entry(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SetStatus records the status of one role, refreshing its last ping, and
// publishes exactly one event.
func (r *Registry) SetStatus(tenantID, sessionID string, role model.Role, status model.Status) (Entry, error) {
	if tenantID == "" || sessionID == "" {
		return Entry{}, ErrInvalidKey
	}
	if !role.IsValid() {
		return Entry{}, fmt.Errorf("presence: invalid role %q", role)
	}
	if !status.IsValid() {
		return Entry{}, fmt.Errorf("presence: invalid status %q", status)
	}

	k := Key{TenantID: tenantID, SessionID: sessionID}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.ensureLocked(k, now)
	if role == model.RoleGM {
		st.gm = status
		st.gmPing = now
	} else {
		st.front = status
		st.frontPing = now
	}
	st.updatedAt = now

	e := st.entry(k)
	r.publishLocked(Event{Entry: e, Cause: CauseStatus, Changed: []model.Role{role}, At: now})
	return e, nil
}

type sweepCandidate struct {
	key   Key
	role  model.Role
	ping  time.Time
	stale bool
}

// Sweep forces offline every online role that has no open socket. The probe
// is consulted outside the registry lock. Swept roles keep their last ping.
// One event is published per changed entry; the number of changed entries
// is returned.
func (r *Registry) Sweep(probe SocketProbe) int {
	now := r.now()

	r.mu.RLock()
	var candidates []sweepCandidate
	for k, st := range r.entries {
		for _, role := range model.Roles {
			status, ping := st.front, st.frontPing
			if role == model.RoleGM {
				status, ping = st.gm, st.gmPing
			}
			if status != model.StatusOnline {
				continue
			}
			stale := ping.IsZero() || now.Sub(ping) > r.ttl
			candidates = append(candidates, sweepCandidate{key: k, role: role, ping: ping, stale: stale})
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	expired := make(map[Key][]sweepCandidate)
	for _, c := range candidates {
		// A stale role whose socket is still open stays online; the
		// heartbeat decides when that socket is dead.
		if probe != nil && probe.HasOpenSocket(c.key.TenantID, c.key.SessionID, c.role) {
			continue
		}
		expired[c.key] = append(expired[c.key], c)
	}
	if len(expired) == 0 {
		return 0
	}

	keys := make([]Key, 0, len(expired))
	for k := range expired {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for _, k := range keys {
		st, ok := r.entries[k]
		if !ok {
			continue
		}
		var roles []model.Role
		for _, c := range expired[k] {
			// A ping newer than the one we probed means the role came back.
			if c.role == model.RoleGM {
				if st.gm != model.StatusOnline || !st.gmPing.Equal(c.ping) {
					continue
				}
				st.gm = model.StatusOffline
			} else {
				if st.front != model.StatusOnline || !st.frontPing.Equal(c.ping) {
					continue
				}
				st.front = model.StatusOffline
			}
			roles = append(roles, c.role)
			r.logger.Info("presence: sweep marked role offline",
				"tenant", k.TenantID, "session", k.SessionID, "role", c.role, "stale", c.stale)
		}
		if len(roles) == 0 {
			continue
		}
		st.updatedAt = now
		changed++
		r.publishLocked(Event{Entry: st.entry(k), Cause: CauseSweep, Changed: roles, At: now})
	}
	return changed
}

// StartSweeper launches a background goroutine that calls Sweep every
// interval. Call Stop to shut it down.
func (r *Registry) StartSweeper(probe SocketProbe, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})

	go r.sweepLoop(probe, interval)
	r.logger.Info("presence: sweeper started", "interval", interval, "ttl", r.ttl)
}

// Stop shuts down the sweeper goroutine.
func (r *Registry) Stop() {
	if r.sweepStop != nil {
		close(r.sweepStop)
		<-r.sweepDone
		r.sweepStop = nil
		r.sweepDone = nil
	}
}

func (r *Registry) sweepLoop(probe SocketProbe, interval time.Duration) {
	defer close(r.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			if n := r.Sweep(probe); n > 0 {
				r.logger.Debug("presence: sweep complete", "changed", n)
			}
		}
	}
}

func (r *Registry) ensureLocked(k Key, now time.Time) *state {
	st, ok := r.entries[k]
	if !ok {
		st = &state{
			front:     model.StatusOffline,
			gm:        model.StatusOffline,
			createdAt: now,
			updatedAt: now,
		}
		r.entries[k] = st
	}
	return st
}

func (st *state) entry(k Key) Entry {
	return Entry{
		TenantID:      k.TenantID,
		SessionID:     k.SessionID,
		Front:         st.front,
		GM:            st.gm,
		LastFrontPing: timePtr(st.frontPing),
		LastGMPing:    timePtr(st.gmPing),
		CreatedAt:     st.createdAt,
		UpdatedAt:     st.updatedAt,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
