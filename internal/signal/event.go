package signal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Event is an immutable, timestamped, source-tagged record of activity.
type Event struct {
	ID        int64     `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Payload   Payload   `json:"payload"`
	Tags      []string  `json:"tags,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
}

// Validate checks the event against the schema fixed for its source.
func (e Event) Validate() error {
	if e.Timestamp.IsZero() {
		return Invalid("timestamp", "required")
	}
	if !e.Source.Valid() {
		return Invalid("source", "unrecognized source %q", e.Source)
	}
	if e.Payload == nil {
		return Invalid("payload", "required")
	}
	if !e.Payload.accepts(e.Source) {
		return Invalid("payload", "%T does not match source %q", e.Payload, e.Source)
	}
	if err := e.Payload.validate(e.Source); err != nil {
		return err
	}
	for i, tag := range e.Tags {
		if strings.TrimSpace(tag) == "" {
			return Invalid(fmt.Sprintf("tags[%d]", i), "must not be empty")
		}
	}
	return nil
}

// Text returns the searchable text of the event's payload.
func (e Event) Text() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.IndexText()
}

// Terminal returns the terminal payload, if the event carries one.
func (e Event) Terminal() (TerminalPayload, bool) {
	p, ok := e.Payload.(TerminalPayload)
	return p, ok
}

// File returns the filesystem payload, if the event carries one.
func (e Event) File() (FilePayload, bool) {
	p, ok := e.Payload.(FilePayload)
	return p, ok
}

// Vision returns the vision payload, if the event carries one.
func (e Event) Vision() (VisionPayload, bool) {
	p, ok := e.Payload.(VisionPayload)
	return p, ok
}

// Audio returns the audio payload, if the event carries one.
func (e Event) Audio() (AudioPayload, bool) {
	p, ok := e.Payload.(AudioPayload)
	return p, ok
}

// Clipboard returns the clipboard payload, if the event carries one.
func (e Event) Clipboard() (ClipboardPayload, bool) {
	p, ok := e.Payload.(ClipboardPayload)
	return p, ok
}

// MapText returns a copy of e with fn applied to every free-text payload
// field. Paths and identifiers are left alone.
func MapText(e Event, fn func(string) string) Event {
	if e.Payload != nil {
		e.Payload = e.Payload.mapText(fn)
	}
	e.Tags = cloneTags(e.Tags)
	return e
}

// Truncate returns a copy of e whose free-text fields are each at most
// limit bytes, cut on a rune boundary. The boolean reports whether anything
// was shortened. A non-positive limit disables truncation.
func Truncate(e Event, limit int) (Event, bool) {
	if limit <= 0 {
		return e, false
	}
	cut := false
	out := MapText(e, func(s string) string {
		if len(s) <= limit {
			return s
		}
		cut = true
		return truncateUTF8(s, limit)
	})
	if cut {
		out.Truncated = true
	}
	return out, cut
}

// WithTags returns a copy of e with the given tags merged in, deduplicated
// and in first-seen order.
func WithTags(e Event, tags ...string) Event {
	merged := cloneTags(e.Tags)
	seen := make(map[string]struct{}, len(merged)+len(tags))
	for _, t := range merged {
		seen[t] = struct{}{}
	}
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		merged = append(merged, t)
	}
	e.Tags = merged
	return e
}

// UnmarshalJSON decodes an event, resolving the payload shape from the
// source tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID        int64           `json:"event_id"`
		Timestamp time.Time       `json:"timestamp"`
		Source    Source          `json:"source"`
		Payload   json.RawMessage `json:"payload"`
		Tags      []string        `json:"tags"`
		Truncated bool            `json:"truncated"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return Invalid("event", "%v", err)
	}
	if !aux.Source.Valid() {
		return Invalid("source", "unrecognized source %q", aux.Source)
	}
	payload, err := DecodePayload(aux.Source, aux.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        aux.ID,
		Timestamp: aux.Timestamp,
		Source:    aux.Source,
		Payload:   payload,
		Tags:      aux.Tags,
		Truncated: aux.Truncated,
	}
	return nil
}

func cloneTags(tags []string) []string {
	if tags == nil {
		return nil
	}
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}

func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	end := limit
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}
