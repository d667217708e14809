package normalization

import (
	"fmt"
	"strings"

	"github.com/koscakluka/ema-live/core/messages"
)

type tier struct {
	below      float64
	importance float64
}

// Paid amount tiers, in the currency unit of the source platform.
var (
	superChatTiers = []tier{{30, 0.6}, {50, 0.7}, {100, 0.8}, {500, 0.9}}
	giftTiers      = []tier{{1, 0.4}, {10, 0.5}, {50, 0.6}, {100, 0.7}, {500, 0.8}}
)

const (
	superChatTopImportance = 1.0
	giftTopImportance      = 0.9
	textImportance         = 0.3
	enterImportance        = 0.1
	audioImportance        = 0.5
	interimAudioImportance = 0.2
	imageImportance        = 0.4
)

func tiered(amount float64, tiers []tier, top float64) float64 {
	for _, t := range tiers {
		if amount < t.below {
			return t.importance
		}
	}
	return top
}

var guardLevels = map[int]struct {
	name       string
	importance float64
}{
	1: {"governor", 1.0},
	2: {"admiral", 0.9},
	3: {"captain", 0.8},
}

func payloadAs[T any](raw messages.RawData) (T, error) {
	switch payload := raw.Payload.(type) {
	case T:
		return payload, nil
	case *T:
		if payload != nil {
			return *payload, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %s expects %T, got %T", ErrUnexpectedPayload, raw.Kind, zero, raw.Payload)
}

func base(user messages.User, room string) messages.NormalizedMessage {
	if user.Nickname == "" {
		user.Nickname = user.ID
	}
	return messages.NormalizedMessage{Sender: user, Room: room, Metadata: map[string]any{}}
}

func normalizeText(raw messages.RawData) (messages.NormalizedMessage, error) {
	if text, ok := raw.Payload.(string); ok {
		message := base(messages.User{ID: raw.SourceID}, "")
		message.Content = messages.TextContent{Text: text}
		message.Importance = textImportance
		return message, nil
	}

	payload, err := payloadAs[messages.TextPayload](raw)
	if err != nil {
		return messages.NormalizedMessage{}, err
	}
	message := base(payload.User, payload.Room)
	message.Content = messages.TextContent{Text: payload.Text}
	message.Importance = textImportance
	return message, nil
}

func normalizeGift(raw messages.RawData) (messages.NormalizedMessage, error) {
	payload, err := payloadAs[messages.GiftPayload](raw)
	if err != nil {
		return messages.NormalizedMessage{}, err
	}

	count := max(payload.Count, 1)
	total := float64(count) * payload.UnitPrice

	message := base(payload.User, payload.Room)
	message.Content = messages.GiftContent{GiftName: payload.GiftName, Count: count, TotalValue: total}
	message.Importance = tiered(total, giftTiers, giftTopImportance)
	return message, nil
}

func normalizeSuperChat(raw messages.RawData) (messages.NormalizedMessage, error) {
	payload, err := payloadAs[messages.SuperChatPayload](raw)
	if err != nil {
		return messages.NormalizedMessage{}, err
	}

	message := base(payload.User, payload.Room)
	message.Content = messages.SuperChatContent{Text: payload.Text, Amount: payload.Amount, Currency: payload.Currency}
	message.Importance = tiered(payload.Amount, superChatTiers, superChatTopImportance)
	return message, nil
}

func normalizeGuard(raw messages.RawData) (messages.NormalizedMessage, error) {
	payload, err := payloadAs[messages.GuardPayload](raw)
	if err != nil {
		return messages.NormalizedMessage{}, err
	}

	level, ok := guardLevels[payload.Level]
	if !ok {
		level.name = fmt.Sprintf("member level %d", payload.Level)
		level.importance = 0.7
	}

	message := base(payload.User, payload.Room)
	message.Content = messages.GuardContent{Level: payload.Level, LevelName: level.name, Months: payload.Months}
	message.Importance = level.importance
	return message, nil
}

func normalizeEnter(raw messages.RawData) (messages.NormalizedMessage, error) {
	payload, err := payloadAs[messages.EnterPayload](raw)
	if err != nil {
		return messages.NormalizedMessage{}, err
	}

	message := base(payload.User, payload.Room)
	message.Content = messages.EnterContent{}
	message.Importance = enterImportance
	return message, nil
}

func normalizeAudio(raw messages.RawData) (messages.NormalizedMessage, error) {
	payload, err := payloadAs[messages.AudioPayload](raw)
	if err != nil {
		return messages.NormalizedMessage{}, err
	}

	message := base(payload.User, payload.Room)
	message.Content = messages.AudioContent{Transcript: strings.TrimSpace(payload.Transcript)}
	message.Metadata["final"] = payload.Final
	message.Importance = audioImportance
	if !payload.Final {
		message.Importance = interimAudioImportance
	}
	return message, nil
}

func normalizeImage(raw messages.RawData) (messages.NormalizedMessage, error) {
	payload, err := payloadAs[messages.ImagePayload](raw)
	if err != nil {
		return messages.NormalizedMessage{}, err
	}

	message := base(payload.User, payload.Room)
	message.Content = messages.ImageContent{URL: payload.URL, Description: payload.Description}
	message.Importance = imageImportance
	return message, nil
}
