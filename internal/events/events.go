package events

import (
	"context"
	"strings"
	"time"

	"github.com/alfredjeanlab/gmscreen/internal/model"
	"github.com/alfredjeanlab/gmscreen/internal/presence"
)

// Topic constants. Presence topics carry the tenant as their last token.
const (
	TopicPrefix         = "gmscreen."
	TopicPresencePrefix = "gmscreen.presence."
	TopicPresenceAll    = "gmscreen.presence.>"
	TopicRunCreated     = "gmscreen.run.created"
	TopicRunUpdated     = "gmscreen.run.updated"
	TopicRunDeleted     = "gmscreen.run.deleted"
	TopicRunAll         = "gmscreen.run.>"
	TopicAll            = "gmscreen.>"
)

// PresenceTopic returns the subject presence changes for a tenant are
// published on.
func PresenceTopic(tenantID string) string {
	return TopicPresencePrefix + subjectToken(tenantID)
}

// subjectToken makes an arbitrary id safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Event types

type PresenceChanged struct {
	Entry   presence.Entry `json:"entry"`
	Cause   presence.Cause `json:"cause"`
	Changed []model.Role   `json:"changed"`
	At      time.Time      `json:"at"`
}

// NewPresenceChanged converts a registry event into its wire form.
func NewPresenceChanged(ev presence.Event) PresenceChanged {
	return PresenceChanged{Entry: ev.Entry, Cause: ev.Cause, Changed: ev.Changed, At: ev.At}
}

type RunCreated struct {
	Run *model.Run `json:"run"`
}

type RunUpdated struct {
	Run *model.Run `json:"run"`
}

type RunDeleted struct {
	RunID     string `json:"run_id"`
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// MultiPublisher fans one event out to several publishers. Every publisher
// is attempted; the first error is returned.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, topic string, event any) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, topic, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiPublisher) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
