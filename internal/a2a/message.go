// Package a2a builds the agent-to-agent envelope that carries mandates
// between counterparties and negotiates the protocol extensions each
// counterparty must support.
package a2a

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"AP2-Orchestrator/internal/mandate"
)

// TextPart carries free text.
type TextPart struct {
	Text string `json:"text"`
}

// DataPart carries exactly one mandate, discriminated by MimeType.
type DataPart struct {
	MimeType string          `json:"mimeType"`
	Data     mandate.Mandate `json:"data"`
}

// UnmarshalJSON decodes Data according to MimeType.
func (d *DataPart) UnmarshalJSON(b []byte) error {
	var wire struct {
		MimeType string          `json:"mimeType"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	m, err := mandate.Decode(wire.MimeType, wire.Data)
	if err != nil {
		return err
	}
	d.MimeType = wire.MimeType
	d.Data = m
	return nil
}

// Part is one element of a message. Exactly one field is set.
type Part struct {
	Root *TextPart `json:"root,omitempty"`
	Data *DataPart `json:"data,omitempty"`
}

// Message is the transport-agnostic envelope exchanged between agents.
type Message struct {
	MessageID          string    `json:"messageId"`
	Timestamp          time.Time `json:"timestamp"`
	FromAgent          string    `json:"fromAgent"`
	ToAgent            string    `json:"toAgent"`
	Parts              []Part    `json:"parts"`
	ExtensionsRequired []string  `json:"extensionsRequired"`
}

// Text returns the leading text part.
func (m *Message) Text() string {
	if m == nil || len(m.Parts) == 0 || m.Parts[0].Root == nil {
		return ""
	}
	return m.Parts[0].Root.Text
}

// Mandate returns the first mandate carried by the message, if any.
func (m *Message) Mandate() mandate.Mandate {
	if m == nil {
		return nil
	}
	for _, p := range m.Parts {
		if p.Data != nil {
			return p.Data.Data
		}
	}
	return nil
}

// Validate checks the structural rules of an envelope.
func (m *Message) Validate() error {
	if m == nil {
		return errors.New("a2a: nil message")
	}
	if m.MessageID == "" || m.FromAgent == "" || m.ToAgent == "" {
		return errors.New("a2a: message id, sender and recipient are required")
	}
	if len(m.Parts) == 0 || m.Parts[0].Root == nil {
		return errors.New("a2a: first part must be text")
	}
	for i, p := range m.Parts {
		if (p.Root == nil) == (p.Data == nil) {
			return fmt.Errorf("a2a: part %d must hold exactly one of text or data", i)
		}
		if p.Data != nil && p.Data.MimeType != mandate.MimeType(p.Data.Data.Kind()) {
			return fmt.Errorf("a2a: part %d content type %q does not match %s mandate", i, p.Data.MimeType, p.Data.Data.Kind())
		}
	}
	return nil
}

// Builder stamps message ids and timestamps.
type Builder struct {
	Now func() time.Time
	IDs mandate.IDSource
}

// BuildMessage wraps text and an optional mandate in an envelope.
func (b Builder) BuildMessage(from, to, text string, m mandate.Mandate) *Message {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	ids := mandate.NewID
	if b.IDs != nil {
		ids = b.IDs
	}
	ts := now()
	parts := []Part{{Root: &TextPart{Text: text}}}
	if m != nil {
		parts = append(parts, Part{Data: &DataPart{MimeType: mandate.MimeType(m.Kind()), Data: m}})
	}
	return &Message{
		MessageID:          ids("msg", ts),
		Timestamp:          ts.UTC(),
		FromAgent:          from,
		ToAgent:            to,
		Parts:              parts,
		ExtensionsRequired: []string{AP2ExtensionURI},
	}
}

// BuildMessage uses the default clock and identifier source.
func BuildMessage(from, to, text string, m mandate.Mandate) *Message {
	return Builder{}.BuildMessage(from, to, text, m)
}
