// Package twitch turns Twitch chat into raw input: chat lines become text,
// cheers become gifts and subscriptions become guard purchases.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/providers"
)

const Name = "twitch"

// bitValue is the price of one bit in USD.
const bitValue = 0.01

type Options struct {
	Username string   `yaml:"username"`
	OAuth    string   `yaml:"oauth"`
	Channels []string `yaml:"channels"`
}

func (o Options) Validate() error {
	if len(o.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}
	if (o.Username == "") != (o.OAuth == "") {
		return fmt.Errorf("username and oauth must be set together")
	}
	return nil
}

// ircClient is the part of the go-twitch-irc client the input uses.
type ircClient interface {
	OnConnect(callback func())
	OnPrivateMessage(callback func(message twitch.PrivateMessage))
	OnUserNoticeMessage(callback func(message twitch.UserNoticeMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

type Input struct {
	options   Options
	newClient func(Options) ircClient
}

func New(options Options) *Input {
	return &Input{options: options, newClient: newIRCClient}
}

func newIRCClient(options Options) ircClient {
	if options.Username == "" {
		return twitch.NewAnonymousClient()
	}
	return twitch.NewClient(options.Username, options.OAuth)
}

func Factory(opts providers.Options) (providers.InputProvider, error) {
	var options Options
	if err := opts.Decode(&options); err != nil {
		return nil, err
	}
	return New(options), nil
}

func (i *Input) Info() providers.Info {
	return providers.Info{
		Name:        Name,
		Version:     "1.0.0",
		Category:    providers.CategoryInput,
		Description: "Twitch chat, cheers and subscriptions",
	}
}

func (i *Input) Setup(context.Context, providers.Dependencies) ([]providers.Provider, error) {
	return []providers.Provider{i}, nil
}

func (i *Input) Cleanup(context.Context) error { return nil }

// Run joins the configured channels and forwards chat until ctx ends.
func (i *Input) Run(ctx context.Context, sink providers.Sink) error {
	client := i.newClient(i.options)

	client.OnConnect(func() {
		logger.InfoContext(ctx, "connected to twitch irc", "channels", i.options.Channels)
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if ctx.Err() == nil {
			sink(ctx, fromPrivateMessage(msg))
		}
	})
	client.OnUserNoticeMessage(func(msg twitch.UserNoticeMessage) {
		if raw, ok := fromUserNotice(msg); ok && ctx.Err() == nil {
			sink(ctx, raw)
		}
	})
	client.Join(i.options.Channels...)

	connErr := make(chan error, 1)
	go func() { connErr <- client.Connect() }()

	select {
	case err := <-connErr:
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			return fmt.Errorf("twitch irc connection failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.InfoContext(ctx, "disconnecting from twitch irc")
		if err := client.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			logger.WarnContext(ctx, "twitch irc disconnect failed", "error", err)
		}
		return ctx.Err()
	}
}

func user(u twitch.User) messages.User {
	nickname := u.DisplayName
	if nickname == "" {
		nickname = u.Name
	}
	return messages.User{ID: u.ID, Nickname: nickname}
}

func room(channel string) string { return strings.TrimPrefix(channel, "#") }

func fromPrivateMessage(msg twitch.PrivateMessage) messages.RawData {
	if msg.Bits > 0 {
		return messages.NewRawData(messages.KindGift, messages.GiftPayload{
			User:      user(msg.User),
			Room:      room(msg.Channel),
			GiftName:  "bits",
			Count:     msg.Bits,
			UnitPrice: bitValue,
		}, Name)
	}
	return messages.NewRawData(messages.KindText, messages.TextPayload{
		User: user(msg.User),
		Room: room(msg.Channel),
		Text: msg.Message,
	}, Name)
}

// subscriptionLevels maps sub plans to guard levels, 1 being the highest.
var subscriptionLevels = map[string]int{
	"3000":  1,
	"2000":  2,
	"1000":  3,
	"Prime": 3,
}

func fromUserNotice(msg twitch.UserNoticeMessage) (messages.RawData, bool) {
	if msg.MsgID != "sub" && msg.MsgID != "resub" {
		return messages.RawData{}, false
	}

	level, ok := subscriptionLevels[msg.MsgParams["msg-param-sub-plan"]]
	if !ok {
		level = 3
	}
	months, _ := strconv.Atoi(msg.MsgParams["msg-param-cumulative-months"])

	return messages.NewRawData(messages.KindGuard, messages.GuardPayload{
		User:   user(msg.User),
		Room:   room(msg.Channel),
		Level:  level,
		Months: months,
	}, Name), true
}
