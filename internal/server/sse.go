package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/gmscreen/internal/events"
	"github.com/alfredjeanlab/gmscreen/internal/metrics"
	"github.com/alfredjeanlab/gmscreen/internal/presence"
)

const (
	// streamBacklog is how many recent events are kept for Last-Event-ID
	// replay.
	streamBacklog = 1000

	streamClientBuffer = 64

	// streamKeepalive is how often a comment line is written to keep
	// proxies from timing out an idle stream.
	streamKeepalive = 15 * time.Second

	// Stream-only event names. They never carry an id, so they do not move
	// a client's Last-Event-ID.
	streamSnapshotEvent  = "gmscreen.stream.snapshot"
	streamTruncatedEvent = "gmscreen.stream.truncated"
)

// streamKind is the coarse family of an event, used by the kinds filter.
type streamKind string

const (
	kindPresence streamKind = "presence"
	kindRun      streamKind = "run"
)

func kindOf(topic string) streamKind {
	if strings.HasPrefix(topic, events.TopicPresencePrefix) {
		return kindPresence
	}
	return kindRun
}

// streamEvent is one published event as stored in the backlog and written
// to clients.
type streamEvent struct {
	ID     uint64
	Topic  string
	Tenant string
	Data   []byte
}

// streamFilter selects the events a client receives. The zero value
// matches everything.
type streamFilter struct {
	tenant string
	kinds  map[streamKind]bool
}

// parseStreamFilter reads ?tenant= and ?kinds=presence,run.
func parseStreamFilter(q url.Values) (streamFilter, error) {
	f := streamFilter{tenant: q.Get("tenant")}
	if raw := q.Get("kinds"); raw != "" {
		f.kinds = make(map[streamKind]bool)
		for _, k := range strings.Split(raw, ",") {
			switch kind := streamKind(strings.TrimSpace(k)); kind {
			case kindPresence, kindRun:
				f.kinds[kind] = true
			case "":
			default:
				return streamFilter{}, fmt.Errorf("unknown kind %q (want presence or run)", kind)
			}
		}
	}
	return f, nil
}

func (f streamFilter) wants(kind streamKind) bool {
	return len(f.kinds) == 0 || f.kinds[kind]
}

func (f streamFilter) match(evt *streamEvent) bool {
	if f.tenant != "" && evt.Tenant != f.tenant {
		return false
	}
	return f.wants(kindOf(evt.Topic))
}

// tenantOf returns the tenant an event belongs to, or "" if it has none.
func tenantOf(event any) string {
	switch e := event.(type) {
	case events.PresenceChanged:
		return e.Entry.TenantID
	case events.RunCreated:
		if e.Run != nil {
			return e.Run.TenantID
		}
	case events.RunUpdated:
		if e.Run != nil {
			return e.Run.TenantID
		}
	case events.RunDeleted:
		return e.TenantID
	}
	return ""
}

// backlog keeps the most recent events in publish order.
type backlog struct {
	mu     sync.Mutex
	max    int
	events []*streamEvent
}

func (b *backlog) add(evt *streamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == b.max {
		copy(b.events, b.events[1:])
		b.events[len(b.events)-1] = evt
		return
	}
	b.events = append(b.events, evt)
}

// since returns the retained events with ID > lastID. truncated reports
// that events after lastID were already evicted.
func (b *backlog) since(lastID uint64) (out []*streamEvent, truncated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil, false
	}
	truncated = b.events[0].ID > lastID+1
	for _, evt := range b.events {
		if evt.ID > lastID {
			out = append(out, evt)
		}
	}
	return out, truncated
}

// sseHub is the events.Publisher behind GET /v1/events/stream. Each client
// gets a bounded queue; a client that falls behind misses events rather than
// stalling the reconciler or the registry mirror.
type sseHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	nextID  atomic.Uint64
	recent  backlog

	closeOnce sync.Once
	closed    chan struct{}
}

type streamClient struct {
	filter streamFilter
	ch     chan *streamEvent
}

func newSSEHub() *sseHub {
	return &sseHub{
		clients: make(map[*streamClient]struct{}),
		recent:  backlog{max: streamBacklog},
		closed:  make(chan struct{}),
	}
}

// Publish marshals event and fans it out under topic.
func (h *sseHub) Publish(_ context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	h.broadcast(topic, tenantOf(event), payload)
	return nil
}

// Close ends every open stream.
func (h *sseHub) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

func (h *sseHub) broadcast(topic, tenant string, payload []byte) {
	evt := &streamEvent{
		ID:     h.nextID.Add(1),
		Topic:  topic,
		Tenant: tenant,
		Data:   payload,
	}
	h.recent.add(evt)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.filter.match(evt) {
			continue
		}
		select {
		case c.ch <- evt:
		default:
			metrics.StreamEventsDropped.Inc()
		}
	}
}

func (h *sseHub) subscribe(f streamFilter) *streamClient {
	c := &streamClient{filter: f, ch: make(chan *streamEvent, streamClientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.StreamClients.Inc()
	return c
}

func (h *sseHub) unsubscribe(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.StreamClients.Dec()
	}
	h.mu.Unlock()
}

// presenceSnapshot is the first frame of a tenant-scoped stream that did not
// ask for a replay.
type presenceSnapshot struct {
	TenantID string           `json:"tenant_id"`
	Sessions []presence.Entry `json:"sessions"`
}

// handleEventStream handles GET /v1/events/stream.
//
// Query: tenant (only that tenant's events), kinds (presence, run or both).
// A tenant-scoped stream that wants presence starts with a snapshot of every
// tracked session. A Last-Event-ID header replays retained events instead.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	filter, err := parseStreamFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Subscribe before reading the snapshot or backlog so nothing published
	// in between is lost.
	client := s.sseHub.subscribe(filter)
	defer s.sseHub.unsubscribe(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)

	var lastSent uint64
	if lastID, err := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
		replay, truncated := s.sseHub.recent.since(lastID)
		if truncated {
			writeStreamFrame(w, 0, streamTruncatedEvent, []byte(fmt.Sprintf(`{"last_event_id":%d}`, lastID)))
		}
		for _, evt := range replay {
			if filter.match(evt) {
				writeStreamFrame(w, evt.ID, evt.Topic, evt.Data)
			}
			lastSent = evt.ID
		}
	} else if filter.tenant != "" && filter.wants(kindPresence) {
		sessions := s.registry.Sessions(filter.tenant)
		if sessions == nil {
			sessions = []presence.Entry{}
		}
		data, _ := json.Marshal(presenceSnapshot{TenantID: filter.tenant, Sessions: sessions})
		writeStreamFrame(w, 0, streamSnapshotEvent, data)
	}
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.sseHub.closed:
			return
		case evt := <-client.ch:
			if evt.ID <= lastSent {
				continue // already replayed
			}
			writeStreamFrame(w, evt.ID, evt.Topic, evt.Data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeStreamFrame writes one SSE frame. An id of 0 is omitted.
func writeStreamFrame(w http.ResponseWriter, id uint64, name string, data []byte) {
	if id > 0 {
		fmt.Fprintf(w, "id:%d\n", id)
	}
	fmt.Fprintf(w, "event:%s\n", name)
	fmt.Fprintf(w, "data:%s\n\n", data)
}
