package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind selects the normalizer responsible for a RawData payload.
type Kind string

const (
	KindText      Kind = "text"
	KindGift      Kind = "gift"
	KindSuperChat Kind = "superchat"
	KindGuard     Kind = "guard"
	KindEnter     Kind = "enter"
	KindAudio     Kind = "audio"
	KindImage     Kind = "image"
)

// User identifies the viewer or speaker behind an event.
type User struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"`
}

// RawData is an unprocessed event as produced by an input provider.
//
// Payload is kind-specific: one of the *Payload types of this package, or a
// plain string for KindText. RawData is treated as immutable once created.
type RawData struct {
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload"`
	SourceID  string    `json:"source_id"`
	Timestamp time.Time `json:"timestamp"`
}

func NewRawData(kind Kind, payload any, sourceID string) RawData {
	return RawData{Kind: kind, Payload: payload, SourceID: sourceID, Timestamp: time.Now()}
}

type TextPayload struct {
	User User   `json:"user"`
	Room string `json:"room,omitempty"`
	Text string `json:"text"`
}

type GiftPayload struct {
	User      User    `json:"user"`
	Room      string  `json:"room,omitempty"`
	GiftName  string  `json:"gift_name"`
	Count     int     `json:"count"`
	UnitPrice float64 `json:"unit_price"`
}

type SuperChatPayload struct {
	User     User    `json:"user"`
	Room     string  `json:"room,omitempty"`
	Text     string  `json:"text"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

// GuardPayload is a membership purchase. Level 1 is the highest tier.
type GuardPayload struct {
	User   User   `json:"user"`
	Room   string `json:"room,omitempty"`
	Level  int    `json:"level"`
	Months int    `json:"months,omitempty"`
}

type EnterPayload struct {
	User User   `json:"user"`
	Room string `json:"room,omitempty"`
}

// AudioPayload carries a transcript produced by an external recognizer.
type AudioPayload struct {
	User       User   `json:"user"`
	Room       string `json:"room,omitempty"`
	Transcript string `json:"transcript"`
	Final      bool   `json:"final"`
}

type ImagePayload struct {
	User        User   `json:"user"`
	Room        string `json:"room,omitempty"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// UnmarshalJSON decodes the payload into the concrete type selected by kind,
// so RawData arriving over the wire has the same shape as RawData produced
// in-process.
func (r *RawData) UnmarshalJSON(data []byte) error {
	var wire struct {
		Kind      Kind            `json:"kind"`
		Payload   json.RawMessage `json:"payload"`
		SourceID  string          `json:"source_id"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	payload, err := DecodePayload(wire.Kind, wire.Payload)
	if err != nil {
		return err
	}

	*r = RawData{
		Kind:      wire.Kind,
		Payload:   payload,
		SourceID:  wire.SourceID,
		Timestamp: wire.Timestamp,
	}
	return nil
}

// DecodePayload decodes a JSON payload for the given kind. Unknown kinds are
// kept as raw JSON; rejecting them is the normalizer registry's job.
func DecodePayload(kind Kind, data json.RawMessage) (any, error) {
	var target any
	switch kind {
	case KindText:
		if len(data) > 0 && data[0] == '"' {
			var text string
			if err := json.Unmarshal(data, &text); err != nil {
				return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
			}
			return text, nil
		}
		target = &TextPayload{}
	case KindGift:
		target = &GiftPayload{}
	case KindSuperChat:
		target = &SuperChatPayload{}
	case KindGuard:
		target = &GuardPayload{}
	case KindEnter:
		target = &EnterPayload{}
	case KindAudio:
		target = &AudioPayload{}
	case KindImage:
		target = &ImagePayload{}
	default:
		return data, nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}

	switch t := target.(type) {
	case *TextPayload:
		return *t, nil
	case *GiftPayload:
		return *t, nil
	case *SuperChatPayload:
		return *t, nil
	case *GuardPayload:
		return *t, nil
	case *EnterPayload:
		return *t, nil
	case *AudioPayload:
		return *t, nil
	case *ImagePayload:
		return *t, nil
	}
	return target, nil
}
