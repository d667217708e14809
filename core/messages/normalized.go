package messages

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Content is the kind-discriminated body of a NormalizedMessage.
type Content interface {
	Kind() Kind
	// Describe renders the content as a single line of text for decision
	// providers and logs.
	Describe() string
}

type TextContent struct {
	Text string `json:"text"`
}

func (TextContent) Kind() Kind { return KindText }
func (c TextContent) Describe() string { return c.Text }

type GiftContent struct {
	GiftName   string  `json:"gift_name"`
	Count      int     `json:"count"`
	TotalValue float64 `json:"total_value"`
}

func (GiftContent) Kind() Kind { return KindGift }
func (c GiftContent) Describe() string {
	return fmt.Sprintf("sent %d x %s", c.Count, c.GiftName)
}

type SuperChatContent struct {
	Text     string  `json:"text"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

func (SuperChatContent) Kind() Kind { return KindSuperChat }
func (c SuperChatContent) Describe() string {
	return fmt.Sprintf("[superchat %.2f%s] %s", c.Amount, c.Currency, c.Text)
}

type GuardContent struct {
	Level     int    `json:"level"`
	LevelName string `json:"level_name"`
	Months    int    `json:"months,omitempty"`
}

func (GuardContent) Kind() Kind { return KindGuard }
func (c GuardContent) Describe() string {
	return fmt.Sprintf("became %s for %d month(s)", c.LevelName, max(c.Months, 1))
}

type EnterContent struct{}

func (EnterContent) Kind() Kind { return KindEnter }
func (EnterContent) Describe() string { return "entered the room" }

type AudioContent struct {
	Transcript string `json:"transcript"`
}

func (AudioContent) Kind() Kind { return KindAudio }
func (c AudioContent) Describe() string { return c.Transcript }

type ImageContent struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

func (ImageContent) Kind() Kind { return KindImage }
func (c ImageContent) Describe() string {
	if c.Description != "" {
		return "shared an image: " + c.Description
	}
	return "shared an image"
}

// NormalizedMessage is the canonical, kind-agnostic representation of an
// input event. ID is unique per message; Content's shape is determined by
// Content.Kind().
type NormalizedMessage struct {
	ID             string
	Timestamp      time.Time
	Sender         User
	Content        Content
	SourcePlatform string
	// Room groups messages of one conversation (stream room, channel).
	Room string
	// Importance is normalizer-local scoring in [0, 1].
	Importance float64
	Metadata   map[string]any
}

func (m NormalizedMessage) Kind() Kind {
	if m.Content == nil {
		return ""
	}
	return m.Content.Kind()
}

// Text returns the content description, or "" when there is no content.
func (m NormalizedMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.Describe()
}

// WithContent returns a copy of m carrying the given content. Metadata is
// cloned so stages can add keys without touching the original.
func (m NormalizedMessage) WithContent(content Content) NormalizedMessage {
	m.Content = content
	m.Metadata = maps.Clone(m.Metadata)
	return m
}

type normalizedMessageJSON struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Sender         User           `json:"sender"`
	Kind           Kind           `json:"kind"`
	Content        Content        `json:"content"`
	SourcePlatform string         `json:"source_platform"`
	Room           string         `json:"room,omitempty"`
	Importance     float64        `json:"importance"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (m NormalizedMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(normalizedMessageJSON{
		ID:             m.ID,
		Timestamp:      m.Timestamp,
		Sender:         m.Sender,
		Kind:           m.Kind(),
		Content:        m.Content,
		SourcePlatform: m.SourcePlatform,
		Room:           m.Room,
		Importance:     m.Importance,
		Metadata:       m.Metadata,
	})
}
