package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/gmscreen/internal/model"
)

// Message types understood on the socket.
const (
	TypeHello            = "presence:hello"
	TypePresenceUpdate   = "presence:update"
	TypeTensionUpdate    = "tension:update"
	TypeTensionConfig    = "tension:config"
	TypeTensionRequest   = "tension:request"
	TypeSlideshowUpdate  = "slideshow:update"
	TypeSlideshowRequest = "slideshow:request"
	TypeHourglassCommand = "hourglass:command"
)

// Message is one decoded inbound frame. The set of implementations is
// closed: Hello, TensionUpdate, SlideshowUpdate, HourglassCommand,
// TensionConfig, StateRequest and Invalid.
type Message interface {
	// Kind returns the wire type of the frame.
	Kind() string
	// Session returns the sessionId carried by the frame, or "".
	Session() string
	isMessage()
}

// Hello binds the sending connection to a session and marks its role online.
type Hello struct {
	SessionID string
}

// TensionUpdate carries the current tension level.
type TensionUpdate struct {
	Level     string
	Silent    *bool
	SessionID string
}

// SlideshowUpdate moves the slideshow by index or by name.
type SlideshowUpdate struct {
	Index     *float64
	Name      *string
	SessionID string
}

// HourglassCommand drives the hourglass timer.
type HourglassCommand struct {
	Action          string
	DurationSeconds *float64
	Visible         *bool
	Show            *bool
	SessionID       string
}

// TensionConfig replaces the tension configuration. Config is an opaque
// JSON object (or array) passed through untouched.
type TensionConfig struct {
	Config    json.RawMessage
	SessionID string
}

// StateRequest asks the peer to resend its state. Type is either
// tension:request or slideshow:request.
type StateRequest struct {
	Type      string
	SessionID string
}

// Invalid is a frame that could not be decoded into any known message.
type Invalid struct {
	Type   string
	Reason string
}

func (Hello) Kind() string            { return TypeHello }
func (TensionUpdate) Kind() string    { return TypeTensionUpdate }
func (SlideshowUpdate) Kind() string  { return TypeSlideshowUpdate }
func (HourglassCommand) Kind() string { return TypeHourglassCommand }
func (TensionConfig) Kind() string    { return TypeTensionConfig }
func (m StateRequest) Kind() string   { return m.Type }
func (m Invalid) Kind() string        { return m.Type }

func (m Hello) Session() string            { return m.SessionID }
func (m TensionUpdate) Session() string    { return m.SessionID }
func (m SlideshowUpdate) Session() string  { return m.SessionID }
func (m HourglassCommand) Session() string { return m.SessionID }
func (m TensionConfig) Session() string    { return m.SessionID }
func (m StateRequest) Session() string     { return m.SessionID }
func (Invalid) Session() string            { return "" }

func (Hello) isMessage()            {}
func (TensionUpdate) isMessage()    {}
func (SlideshowUpdate) isMessage()  {}
func (HourglassCommand) isMessage() {}
func (TensionConfig) isMessage()    {}
func (StateRequest) isMessage()     {}
func (Invalid) isMessage()          {}

// Decode parses one text frame. It never fails: anything unusable comes
// back as Invalid. Optional fields of the wrong JSON type are dropped;
// required fields of the wrong type make the whole frame Invalid.
func Decode(data []byte) Message {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Invalid{Reason: "frame is not a JSON object"}
	}
	typ, ok := stringField(fields, "type")
	if !ok {
		return Invalid{Reason: "missing type"}
	}
	sessionID, _ := stringField(fields, "sessionId")

	switch typ {
	case TypeHello:
		if sessionID == "" {
			return Invalid{Type: typ, Reason: "sessionId is required"}
		}
		return Hello{SessionID: sessionID}

	case TypeTensionUpdate:
		level, ok := stringField(fields, "level")
		if !ok {
			return Invalid{Type: typ, Reason: "level must be a string"}
		}
		return TensionUpdate{Level: level, Silent: boolField(fields, "silent"), SessionID: sessionID}

	case TypeSlideshowUpdate:
		m := SlideshowUpdate{Index: numberField(fields, "index"), SessionID: sessionID}
		if name, ok := stringField(fields, "name"); ok {
			m.Name = &name
		}
		if m.Index == nil && m.Name == nil {
			return Invalid{Type: typ, Reason: "index or name is required"}
		}
		return m

	case TypeHourglassCommand:
		action, ok := stringField(fields, "action")
		if !ok {
			return Invalid{Type: typ, Reason: "action must be a string"}
		}
		return HourglassCommand{
			Action:          action,
			DurationSeconds: numberField(fields, "durationSeconds"),
			Visible:         boolField(fields, "visible"),
			Show:            boolField(fields, "show"),
			SessionID:       sessionID,
		}

	case TypeTensionConfig:
		raw, ok := fields["config"]
		if !ok {
			return Invalid{Type: typ, Reason: "config is required"}
		}
		if k := jsonKind(raw); k != '{' && k != '[' {
			return Invalid{Type: typ, Reason: "config must be an object"}
		}
		return TensionConfig{Config: compact(raw), SessionID: sessionID}

	case TypeTensionRequest, TypeSlideshowRequest:
		return StateRequest{Type: typ, SessionID: sessionID}
	}
	return Invalid{Type: typ, Reason: fmt.Sprintf("unknown type %q", typ)}
}

// Wire forms. Field order is the order the peers expect to see them in.

type tensionUpdateWire struct {
	Type      string `json:"type"`
	Level     string `json:"level"`
	Silent    *bool  `json:"silent,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type slideshowUpdateWire struct {
	Type      string   `json:"type"`
	Index     *float64 `json:"index,omitempty"`
	Name      *string  `json:"name,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
}

type hourglassCommandWire struct {
	Type            string   `json:"type"`
	Action          string   `json:"action"`
	DurationSeconds *float64 `json:"durationSeconds,omitempty"`
	Visible         *bool    `json:"visible,omitempty"`
	Show            *bool    `json:"show,omitempty"`
	SessionID       string   `json:"sessionId,omitempty"`
}

type tensionConfigWire struct {
	Type      string          `json:"type"`
	Config    json.RawMessage `json:"config"`
	SessionID string          `json:"sessionId,omitempty"`
}

type stateRequestWire struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// PresenceUpdate is broadcast to a tenant whenever a session's presence
// changes.
type PresenceUpdate struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId"`
	Front     model.Status `json:"front"`
	GM        model.Status `json:"gm"`
}

// Encode renders a relayable message in its outbound form, carrying only
// the recognized fields. Hello and Invalid are never relayed.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case TensionUpdate:
		return json.Marshal(tensionUpdateWire{TypeTensionUpdate, m.Level, m.Silent, m.SessionID})
	case SlideshowUpdate:
		return json.Marshal(slideshowUpdateWire{TypeSlideshowUpdate, m.Index, m.Name, m.SessionID})
	case HourglassCommand:
		return json.Marshal(hourglassCommandWire{TypeHourglassCommand, m.Action, m.DurationSeconds, m.Visible, m.Show, m.SessionID})
	case TensionConfig:
		return json.Marshal(tensionConfigWire{TypeTensionConfig, m.Config, m.SessionID})
	case StateRequest:
		return json.Marshal(stateRequestWire{m.Type, m.SessionID})
	case Hello, Invalid:
		return nil, fmt.Errorf("gateway: %s is not relayable", m.Kind())
	}
	return nil, fmt.Errorf("gateway: unknown message %T", m)
}

// EncodePresence renders a presence:update frame.
func EncodePresence(sessionID string, front, gm model.Status) ([]byte, error) {
	return json.Marshal(PresenceUpdate{Type: TypePresenceUpdate, SessionID: sessionID, Front: front, GM: gm})
}

// jsonKind returns the first significant byte of a raw value: '"', '{',
// '[', 't', 'f', 'n', or a digit/minus for numbers.
func jsonKind(raw json.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok || jsonKind(raw) != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func boolField(fields map[string]json.RawMessage, key string) *bool {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if k := jsonKind(raw); k != 't' && k != 'f' {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	return &b
}

func numberField(fields map[string]json.RawMessage, key string) *float64 {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if k := jsonKind(raw); k != '-' && (k < '0' || k > '9') {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return &f
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
