package presence

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/gmscreen/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sockets is a SocketProbe backed by a set of open (tenant, session, role) triples.
type sockets map[string]bool

func (s sockets) HasOpenSocket(tenantID, sessionID string, role model.Role) bool {
	return s[tenantID+"/"+sessionID+"/"+string(role)]
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return New(Config{Now: clock.Now}), clock
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnsure_CreatesOfflineEntry(t *testing.T) {
	r, clock := newTestRegistry(t)

	e := r.Ensure("t1", "s1")
	if e.Front != model.StatusOffline || e.GM != model.StatusOffline {
		t.Errorf("new entry statuses = %s/%s, want offline/offline", e.Front, e.GM)
	}
	if e.LastFrontPing != nil || e.LastGMPing != nil {
		t.Error("new entry should have no pings")
	}
	if !e.CreatedAt.Equal(clock.Now()) || !e.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("timestamps = %v/%v, want %v", e.CreatedAt, e.UpdatedAt, clock.Now())
	}
}

func TestEnsure_Idempotent(t *testing.T) {
	r, clock := newTestRegistry(t)
	events, cancel := r.Subscribe(8)
	defer cancel()

	first := r.Ensure("t1", "s1")
	clock.Advance(time.Minute)
	second := r.Ensure("t1", "s1")

	if first != second {
		t.Errorf("Ensure not idempotent: %+v vs %+v", first, second)
	}
	if got := len(r.Sessions("t1")); got != 1 {
		t.Errorf("Sessions = %d entries, want 1", got)
	}
	expectNoEvent(t, events)
}

func TestGet_DoesNotCreate(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, ok := r.Get("t1", "s1"); ok {
		t.Fatal("Get should report missing entry")
	}
	if got := len(r.Sessions("t1")); got != 0 {
		t.Errorf("Get created an entry: %d sessions", got)
	}
}

func TestSetStatus_ThenGet(t *testing.T) {
	for _, role := range model.Roles {
		for _, status := range []model.Status{model.StatusOnline, model.StatusOffline} {
			t.Run(string(role)+"_"+string(status), func(t *testing.T) {
				r, clock := newTestRegistry(t)
				clock.Advance(3 * time.Second)

				if _, err := r.SetStatus("t1", "s1", role, status); err != nil {
					t.Fatalf("SetStatus: %v", err)
				}
				e, ok := r.Get("t1", "s1")
				if !ok {
					t.Fatal("entry missing after SetStatus")
				}
				if e.StatusOf(role) != status {
					t.Errorf("status = %s, want %s", e.StatusOf(role), status)
				}
				ping := e.PingOf(role)
				if ping == nil || !ping.Equal(clock.Now()) {
					t.Errorf("ping = %v, want %v", ping, clock.Now())
				}
				if e.StatusOf(role.Counterpart()) != model.StatusOffline {
					t.Error("counterpart status changed")
				}
				if e.PingOf(role.Counterpart()) != nil {
					t.Error("counterpart ping changed")
				}
			})
		}
	}
}

func TestSetStatus_EmitsOneEvent(t *testing.T) {
	r, _ := newTestRegistry(t)
	events, cancel := r.Subscribe(8)
	defer cancel()

	if _, err := r.SetStatus("t1", "s1", model.RoleGM, model.StatusOnline); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	ev := recv(t, events)
	if ev.Cause != CauseStatus {
		t.Errorf("cause = %s, want status", ev.Cause)
	}
	if !ev.GMOnline() {
		t.Error("expected GMOnline event")
	}
	if ev.Key() != (Key{TenantID: "t1", SessionID: "s1"}) {
		t.Errorf("key = %v", ev.Key())
	}
	expectNoEvent(t, events)
}

func TestSetStatus_RejectsInvalid(t *testing.T) {
	r, _ := newTestRegistry(t)
	events, cancel := r.Subscribe(8)
	defer cancel()

	if _, err := r.SetStatus("", "s1", model.RoleGM, model.StatusOnline); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("empty tenant: err = %v, want ErrInvalidKey", err)
	}
	if _, err := r.SetStatus("t1", "", model.RoleGM, model.StatusOnline); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("empty session: err = %v, want ErrInvalidKey", err)
	}
	if _, err := r.SetStatus("t1", "s1", model.Role("spectator"), model.StatusOnline); err == nil {
		t.Error("expected error for invalid role")
	}
	if _, err := r.SetStatus("t1", "s1", model.RoleGM, model.Status("away")); err == nil {
		t.Error("expected error for invalid status")
	}
	expectNoEvent(t, events)
}

func TestEvent_GMOnline(t *testing.T) {
	for _, tc := range []struct {
		name string
		ev   Event
		want bool
	}{
		{"GMHello", Event{Cause: CauseStatus, Changed: []model.Role{model.RoleGM}, Entry: Entry{GM: model.StatusOnline}}, true},
		{"FrontHelloWhileGMOnline", Event{Cause: CauseStatus, Changed: []model.Role{model.RoleFront}, Entry: Entry{GM: model.StatusOnline}}, false},
		{"GMOffline", Event{Cause: CauseStatus, Changed: []model.Role{model.RoleGM}, Entry: Entry{GM: model.StatusOffline}}, false},
		{"Sweep", Event{Cause: CauseSweep, Changed: []model.Role{model.RoleGM}, Entry: Entry{GM: model.StatusOnline}}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ev.GMOnline(); got != tc.want {
				t.Errorf("GMOnline() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSnapshot_Untracked(t *testing.T) {
	r, clock := newTestRegistry(t)

	e := r.Snapshot("t1", "s1")
	if e.Front != model.StatusOffline || e.GM != model.StatusOffline {
		t.Errorf("snapshot = %s/%s, want offline/offline", e.Front, e.GM)
	}
	if !e.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v, want now", e.UpdatedAt)
	}
	if _, ok := r.Get("t1", "s1"); ok {
		t.Error("Snapshot must not create an entry")
	}
}

func TestSessions_ScopedToTenant(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Ensure("t1", "b")
	r.Ensure("t1", "a")
	r.Ensure("t2", "a")

	got := r.Sessions("t1")
	if len(got) != 2 || got[0].SessionID != "a" || got[1].SessionID != "b" {
		t.Errorf("Sessions(t1) = %+v", got)
	}
}

func TestSweep_BothRolesSingleEvent(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.SetStatus("t1", "s1", model.RoleGM, model.StatusOnline)
	r.SetStatus("t1", "s1", model.RoleFront, model.StatusOnline)
	pinged, _ := r.Get("t1", "s1")

	events, cancel := r.Subscribe(8)
	defer cancel()

	clock.Advance(20 * time.Second)
	if n := r.Sweep(sockets{}); n != 1 {
		t.Fatalf("Sweep changed %d entries, want 1", n)
	}

	ev := recv(t, events)
	if ev.Cause != CauseSweep {
		t.Errorf("cause = %s, want sweep", ev.Cause)
	}
	if len(ev.Changed) != 2 {
		t.Errorf("changed roles = %v, want both", ev.Changed)
	}
	if ev.Entry.Front != model.StatusOffline || ev.Entry.GM != model.StatusOffline {
		t.Errorf("entry = %s/%s, want offline/offline", ev.Entry.Front, ev.Entry.GM)
	}
	if !ev.Entry.LastGMPing.Equal(*pinged.LastGMPing) || !ev.Entry.LastFrontPing.Equal(*pinged.LastFrontPing) {
		t.Error("sweep must not touch last ping timestamps")
	}
	if !ev.Entry.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", ev.Entry.UpdatedAt, clock.Now())
	}
	expectNoEvent(t, events)
}

func TestSweep_KeepsRoleWithOpenSocket(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.SetStatus("t1", "s1", model.RoleGM, model.StatusOnline)
	r.SetStatus("t1", "s1", model.RoleFront, model.StatusOnline)

	clock.Advance(time.Minute)
	n := r.Sweep(sockets{"t1/s1/gm": true})
	if n != 1 {
		t.Fatalf("Sweep changed %d entries, want 1", n)
	}
	e, _ := r.Get("t1", "s1")
	if e.GM != model.StatusOnline {
		t.Error("gm with open socket should stay online even when stale")
	}
	if e.Front != model.StatusOffline {
		t.Error("front without socket should be offline")
	}
}

func TestSweep_FreshRoleWithoutSocket(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.SetStatus("t1", "s1", model.RoleFront, model.StatusOnline)

	if n := r.Sweep(sockets{}); n != 1 {
		t.Fatalf("Sweep changed %d entries, want 1", n)
	}
	e, _ := r.Get("t1", "s1")
	if e.Front != model.StatusOffline {
		t.Error("online role without socket should be swept even before TTL")
	}
}

func TestSweep_NothingOnline(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Ensure("t1", "s1")
	events, cancel := r.Subscribe(8)
	defer cancel()

	if n := r.Sweep(sockets{}); n != 0 {
		t.Errorf("Sweep changed %d entries, want 0", n)
	}
	expectNoEvent(t, events)
}

func TestSweep_SkipsRoleThatReconnected(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.SetStatus("t1", "s1", model.RoleGM, model.StatusOnline)
	clock.Advance(time.Second)

	probe := ProbeFunc(func(tenantID, sessionID string, role model.Role) bool {
		// The GM says hello again while the sweep is probing.
		clock.Advance(time.Second)
		r.SetStatus(tenantID, sessionID, role, model.StatusOnline)
		return false
	})
	if n := r.Sweep(probe); n != 0 {
		t.Errorf("Sweep changed %d entries, want 0", n)
	}
	e, _ := r.Get("t1", "s1")
	if e.GM != model.StatusOnline {
		t.Error("role refreshed during the probe must stay online")
	}
}

func TestSubscribe_OrderAndCancel(t *testing.T) {
	r, _ := newTestRegistry(t)
	events, cancel := r.Subscribe(0)

	sessions := []string{"a", "b", "c", "d", "e"}
	for _, s := range sessions {
		r.SetStatus("t1", s, model.RoleGM, model.StatusOnline)
	}
	for _, want := range sessions {
		if ev := recv(t, events); ev.Entry.SessionID != want {
			t.Fatalf("got session %s, want %s", ev.Entry.SessionID, want)
		}
	}

	cancel()
	if _, ok := <-events; ok {
		t.Error("channel should be closed after cancel")
	}
	// Publishing after cancel must not block or panic.
	r.SetStatus("t1", "a", model.RoleGM, model.StatusOffline)
}

func TestClose_ClosesSubscribers(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, _ := r.Subscribe(1)
	b, _ := r.Subscribe(1)
	r.Close()

	for _, ch := range []<-chan Event{a, b} {
		select {
		case _, ok := <-ch:
			if ok {
				t.Error("expected closed channel")
			}
		case <-time.After(time.Second):
			t.Fatal("channel not closed")
		}
	}
}

func TestClose_DeliversQueuedEvents(t *testing.T) {
	r, _ := newTestRegistry(t)
	ch, _ := r.Subscribe(0)
	for _, sid := range []string{"a", "b", "c"} {
		if _, err := r.SetStatus("t1", sid, model.RoleGM, model.StatusOnline); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	var got []string
	for ev := range ch {
		got = append(got, ev.Entry.SessionID)
	}
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("delivered %v, want a,b,c before close", got)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	r := New(Config{})
	r.SetStatus("t1", "s1", model.RoleGM, model.StatusOnline)
	events, cancel := r.Subscribe(4)
	defer cancel()

	r.StartSweeper(sockets{}, 10*time.Millisecond)
	ev := recv(t, events)
	r.Stop()

	if ev.Cause != CauseSweep || ev.Entry.GM != model.StatusOffline {
		t.Errorf("unexpected event %+v", ev)
	}
	// Stop is idempotent.
	r.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	r := New(Config{})
	events, cancel := r.Subscribe(16)
	defer cancel()
	go func() {
		for range events {
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role := model.Roles[i%2]
			for j := 0; j < 200; j++ {
				r.SetStatus("t1", "s1", role, model.StatusOnline)
				r.Get("t1", "s1")
				r.Sweep(sockets{})
				r.Sessions("t1")
			}
		}(i)
	}
	wg.Wait()
}
