package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/gmscreen/internal/events"
	"github.com/alfredjeanlab/gmscreen/internal/model"
	"github.com/alfredjeanlab/gmscreen/internal/presence"
)

func runEvent(id, tenant string) events.RunCreated {
	return events.RunCreated{Run: &model.Run{ID: id, TenantID: tenant, SessionID: "s1"}}
}

func presenceEvent(tenant string) events.PresenceChanged {
	return events.PresenceChanged{Entry: presence.Entry{TenantID: tenant, SessionID: "s1"}, Cause: presence.CauseStatus}
}

func publish(t *testing.T, hub *sseHub, topic string, event any) {
	t.Helper()
	if err := hub.Publish(context.Background(), topic, event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func expectEvent(t *testing.T, c *streamClient, topic, tenant string) *streamEvent {
	t.Helper()
	select {
	case evt := <-c.ch:
		if evt.Topic != topic || evt.Tenant != tenant {
			t.Fatalf("got %s for %q, want %s for %q", evt.Topic, evt.Tenant, topic, tenant)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", topic)
		return nil
	}
}

func expectNoEvent(t *testing.T, c *streamClient) {
	t.Helper()
	select {
	case evt := <-c.ch:
		t.Fatalf("unexpected event %s for %q", evt.Topic, evt.Tenant)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTenantOf(t *testing.T) {
	for _, tc := range []struct {
		name  string
		event any
		want  string
	}{
		{"presence", presenceEvent("t1"), "t1"},
		{"run created", runEvent("run-1", "t2"), "t2"},
		{"run updated", events.RunUpdated{Run: &model.Run{TenantID: "t3"}}, "t3"},
		{"run updated without run", events.RunUpdated{}, ""},
		{"run deleted", events.RunDeleted{RunID: "run-1", TenantID: "t4"}, "t4"},
		{"foreign payload", map[string]string{"tenant_id": "t5"}, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tenantOf(tc.event); got != tc.want {
				t.Fatalf("tenantOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseStreamFilter(t *testing.T) {
	f, err := parseStreamFilter(url.Values{"tenant": {"t1"}, "kinds": {"run, presence"}})
	if err != nil {
		t.Fatal(err)
	}
	if f.tenant != "t1" || !f.wants(kindRun) || !f.wants(kindPresence) {
		t.Fatalf("unexpected filter %+v", f)
	}

	f, _ = parseStreamFilter(url.Values{"kinds": {"run"}})
	if f.wants(kindPresence) {
		t.Fatal("kinds=run must exclude presence")
	}

	if _, err := parseStreamFilter(url.Values{"kinds": {"tension"}}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestSSEHub_TenantFilter(t *testing.T) {
	hub := newSSEHub()
	c := hub.subscribe(streamFilter{tenant: "t1"})
	defer hub.unsubscribe(c)

	publish(t, hub, events.PresenceTopic("t2"), presenceEvent("t2"))
	publish(t, hub, events.TopicRunCreated, runEvent("run-2", "t2"))
	publish(t, hub, events.PresenceTopic("t1"), presenceEvent("t1"))
	publish(t, hub, events.TopicRunCreated, runEvent("run-1", "t1"))

	expectEvent(t, c, events.PresenceTopic("t1"), "t1")
	evt := expectEvent(t, c, events.TopicRunCreated, "t1")
	if !strings.Contains(string(evt.Data), `"id":"run-1"`) {
		t.Fatalf("expected run-1 payload, got %s", evt.Data)
	}
	expectNoEvent(t, c)
}

func TestSSEHub_KindFilter(t *testing.T) {
	hub := newSSEHub()
	c := hub.subscribe(streamFilter{kinds: map[streamKind]bool{kindRun: true}})
	defer hub.unsubscribe(c)

	publish(t, hub, events.PresenceTopic("t1"), presenceEvent("t1"))
	publish(t, hub, events.TopicRunDeleted, events.RunDeleted{RunID: "run-1", TenantID: "t1"})

	expectEvent(t, c, events.TopicRunDeleted, "t1")
	expectNoEvent(t, c)
}

func TestSSEHub_Unsubscribe(t *testing.T) {
	hub := newSSEHub()
	c := hub.subscribe(streamFilter{})
	hub.unsubscribe(c)
	hub.unsubscribe(c)

	publish(t, hub, events.TopicRunCreated, runEvent("run-1", "t1"))
	expectNoEvent(t, c)
}

func TestSSEHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := newSSEHub()
	c := hub.subscribe(streamFilter{})
	defer hub.unsubscribe(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range streamClientBuffer + 10 {
			hub.broadcast(events.TopicRunUpdated, "t1", []byte(`{}`))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client queue")
	}
	if len(c.ch) != streamClientBuffer {
		t.Fatalf("expected a full queue of %d, got %d", streamClientBuffer, len(c.ch))
	}
}

func TestSSEHub_Publish_MarshalError(t *testing.T) {
	hub := newSSEHub()
	if err := hub.Publish(context.Background(), events.TopicRunCreated, func() {}); err == nil {
		t.Fatal("expected marshal error for an unencodable event")
	}
}

func TestBacklog_Since(t *testing.T) {
	b := backlog{max: 3}
	if evts, truncated := b.since(0); evts != nil || truncated {
		t.Fatalf("empty backlog: got %d events, truncated=%v", len(evts), truncated)
	}
	for id := uint64(1); id <= 5; id++ {
		b.add(&streamEvent{ID: id})
	}

	// 3, 4 and 5 are retained.
	evts, truncated := b.since(2)
	if truncated || len(evts) != 3 || evts[0].ID != 3 || evts[2].ID != 5 {
		t.Fatalf("since(2) = %d events, truncated=%v", len(evts), truncated)
	}
	evts, _ = b.since(4)
	if len(evts) != 1 || evts[0].ID != 5 {
		t.Fatalf("since(4) = %d events", len(evts))
	}
	// 2 was evicted, so a client that last saw 1 has a gap.
	if _, truncated := b.since(1); !truncated {
		t.Fatal("since(1) must report the gap")
	}
}

// streamRequest serves one stream request until the hub publishes, then
// cancels it and returns the body.
func streamRequest(t *testing.T, handler http.Handler, path, lastEventID string, publishFn func()) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", path, nil).WithContext(ctx)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	// Give the handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if publishFn != nil {
		publishFn()
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type=text/event-stream, got %q", ct)
	}
	return rec.Body.String()
}

func TestHandleEventStream_TenantScoped(t *testing.T) {
	srv, _, handler := newTestServer(t)
	srv.Registry().SetStatus("t1", "s1", model.RoleGM, model.StatusOnline)
	srv.Registry().SetStatus("t2", "s9", model.RoleGM, model.StatusOnline)
	time.Sleep(50 * time.Millisecond) // let those events pass before connecting

	body := streamRequest(t, handler, "/v1/events/stream?tenant=t1", "", func() {
		publish(t, srv.sseHub, events.TopicRunCreated, runEvent("run-other", "t2"))
		publish(t, srv.sseHub, events.TopicRunCreated, runEvent("run-mine", "t1"))
	})

	if !strings.HasPrefix(body, "event:"+streamSnapshotEvent+"\n") {
		t.Fatalf("expected the stream to open with a snapshot, got:\n%s", body)
	}
	if !strings.Contains(body, `"session_id":"s1"`) || strings.Contains(body, `"session_id":"s9"`) {
		t.Fatalf("snapshot must list only t1 sessions, got:\n%s", body)
	}
	if !strings.Contains(body, "run-mine") || strings.Contains(body, "run-other") {
		t.Fatalf("expected only t1 run events, got:\n%s", body)
	}
}

func TestHandleEventStream_RunsOnlyHasNoSnapshot(t *testing.T) {
	srv, _, handler := newTestServer(t)
	body := streamRequest(t, handler, "/v1/events/stream?tenant=t1&kinds=run", "", func() {
		publish(t, srv.sseHub, events.PresenceTopic("t1"), presenceEvent("t1"))
		publish(t, srv.sseHub, events.TopicRunCreated, runEvent("run-1", "t1"))
	})
	if strings.Contains(body, streamSnapshotEvent) || strings.Contains(body, events.PresenceTopic("t1")) {
		t.Fatalf("kinds=run must carry no presence frames, got:\n%s", body)
	}
	if !strings.Contains(body, "event:"+events.TopicRunCreated) {
		t.Fatalf("expected the run event, got:\n%s", body)
	}
}

func TestHandleEventStream_BadKind(t *testing.T) {
	_, _, h := newTestServer(t)
	if rec := doRequest(t, h, "GET", "/v1/events/stream?kinds=slides", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleEventStream_LastEventID(t *testing.T) {
	srv, _, handler := newTestServer(t)
	hub := srv.sseHub

	publish(t, hub, events.TopicRunCreated, runEvent("run-1", "t1"))
	publish(t, hub, events.TopicRunUpdated, events.RunUpdated{Run: &model.Run{ID: "run-2", TenantID: "t1"}})
	publish(t, hub, events.TopicRunDeleted, events.RunDeleted{RunID: "run-3", TenantID: "t2"})

	body := streamRequest(t, handler, "/v1/events/stream?tenant=t1", "1", nil)

	if strings.Contains(body, "run-1") {
		t.Fatalf("event 1 was already seen, got:\n%s", body)
	}
	if !strings.Contains(body, "id:2\nevent:"+events.TopicRunUpdated) {
		t.Fatalf("expected event 2 replayed, got:\n%s", body)
	}
	if strings.Contains(body, "run-3") {
		t.Fatalf("replay must honor the tenant filter, got:\n%s", body)
	}
	if strings.Contains(body, streamSnapshotEvent) {
		t.Fatalf("a replaying stream gets no snapshot, got:\n%s", body)
	}
}

func TestHandleEventStream_ReplayTruncated(t *testing.T) {
	srv, _, handler := newTestServer(t)
	hub := srv.sseHub
	hub.recent.max = 2

	for range 4 {
		hub.broadcast(events.TopicRunUpdated, "t1", []byte(`{}`))
	}

	body := streamRequest(t, handler, "/v1/events/stream", "1", nil)
	if !strings.HasPrefix(body, "event:"+streamTruncatedEvent+"\n") {
		t.Fatalf("expected a truncation notice first, got:\n%s", body)
	}
	if !strings.Contains(body, "id:3\n") || !strings.Contains(body, "id:4\n") {
		t.Fatalf("expected retained events 3 and 4, got:\n%s", body)
	}
}

func TestHandleEventStream_EndsOnHubClose(t *testing.T) {
	srv, _, handler := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/events/stream", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)
	srv.sseHub.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after the hub closed")
	}
}
