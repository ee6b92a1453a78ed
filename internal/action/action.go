// Package action defines the records that cross process boundaries between
// workers, the peripheral bridge and the supervisor's scheduler.
//
// A Request is immutable once emitted. The work it describes is named by a
// Procedure (name plus string arguments) so that it can be serialized; the
// supervisor resolves the name to executable code when the request reaches
// the scheduler.
package action

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BroadcastBot addresses every bot hosted by every worker in an AttributeUpdate.
const BroadcastBot = "*"

// Procedure names a unit of work registered in the supervisor.
type Procedure struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// Arg returns the named argument or def when it is absent.
func (p Procedure) Arg(name, def string) string {
	if v, ok := p.Args[name]; ok {
		return v
	}
	return def
}

// AttributeUpdate is an order to write one attribute of one bot's data store.
// BotIGN may be BroadcastBot.
type AttributeUpdate struct {
	BotIGN    string          `json:"bot_ign"`
	Attribute string          `json:"attribute"`
	Value     json.RawMessage `json:"value"`
}

// NewAttributeUpdate encodes value as JSON.
func NewAttributeUpdate(bot, attribute string, value any) (AttributeUpdate, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return AttributeUpdate{}, fmt.Errorf("encoding %s.%s: %w", bot, attribute, err)
	}
	return AttributeUpdate{BotIGN: bot, Attribute: attribute, Value: raw}, nil
}

// MustAttributeUpdate is NewAttributeUpdate for values known to encode.
func MustAttributeUpdate(bot, attribute string, value any) AttributeUpdate {
	u, err := NewAttributeUpdate(bot, attribute, value)
	if err != nil {
		panic(err)
	}
	return u
}

// Decode unmarshals the update's value into v.
func (u AttributeUpdate) Decode(v any) error {
	return json.Unmarshal(u.Value, v)
}

// Request is one unit of schedulable work emitted by a worker or the bridge.
type Request struct {
	Identifier            string            `json:"identifier"`
	BotIGN                string            `json:"bot_ign"`
	Priority              int               `json:"priority"`
	Procedure             Procedure         `json:"procedure"`
	CancelSelfIfDuplicate bool              `json:"cancel_self_if_duplicate,omitempty"`
	CancelIDs             []string          `json:"cancel_ids,omitempty"`
	RequeueIfBlocked      bool              `json:"requeue_if_blocked,omitempty"`
	BlockLowerPriority    bool              `json:"block_lower_priority,omitempty"`
	Callbacks             []string          `json:"callbacks,omitempty"`
	UserMessage           *Notification     `json:"user_message,omitempty"`
	AttributeUpdates      []AttributeUpdate `json:"attribute_updates,omitempty"`
	Timeout               Duration          `json:"timeout,omitempty"`
}

// Validate reports the first structural problem with r.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Identifier) == "" {
		return fmt.Errorf("request has empty identifier")
	}
	if r.Priority < 0 {
		return fmt.Errorf("request %s: negative priority %d", r.Identifier, r.Priority)
	}
	if strings.TrimSpace(r.Procedure.Name) == "" {
		return fmt.Errorf("request %s: missing procedure", r.Identifier)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("request %s: negative timeout", r.Identifier)
	}
	for _, id := range r.CancelIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("request %s: empty identifier in cancel set", r.Identifier)
		}
	}
	for _, u := range r.AttributeUpdates {
		if u.BotIGN == "" || u.Attribute == "" {
			return fmt.Errorf("request %s: malformed attribute update %q.%q", r.Identifier, u.BotIGN, u.Attribute)
		}
		if !json.Valid(u.Value) {
			return fmt.Errorf("request %s: attribute update %s.%s carries invalid JSON", r.Identifier, u.BotIGN, u.Attribute)
		}
	}
	if r.UserMessage != nil {
		if err := r.UserMessage.Validate(); err != nil {
			return fmt.Errorf("request %s: %w", r.Identifier, err)
		}
	}
	return nil
}

// String is a compact description for logs.
func (r Request) String() string {
	return fmt.Sprintf("%s(bot=%s p=%d proc=%s)", r.Identifier, r.BotIGN, r.Priority, r.Procedure.Name)
}

// Duration is a time.Duration that marshals as a Go duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}
