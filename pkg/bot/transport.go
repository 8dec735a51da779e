/*
Copyright 2024 The Traffic Warden Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bot implements the operator chat: the Telegram transport, the
// non-blocking notification dispatcher and the command router.
package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender delivers one message to the operator chat.
type Sender interface {
	Send(text string) error
}

// Telegram wraps the bot API for a single operator chat. Messages from
// any other chat are ignored.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.Logger
}

// NewTelegram connects to the bot API and validates the token.
func NewTelegram(token string, chatID int64, log *zap.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	log.Info("telegram bot connected", zap.String("username", bot.Self.UserName))
	return &Telegram{bot: bot, chatID: chatID, log: log}, nil
}

// Send delivers one markdown message to the operator chat.
func (t *Telegram) Send(text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	return nil
}

// Run consumes updates until ctx is done, passing command text from the
// operator chat to handle and sending its reply back.
func (t *Telegram) Run(ctx context.Context, handle func(ctx context.Context, text string) string) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Chat == nil || update.Message.Text == "" {
				continue
			}
			if update.Message.Chat.ID != t.chatID {
				t.log.Warn("ignoring message from unknown chat",
					zap.Int64("chat_id", update.Message.Chat.ID))
				continue
			}
			reply := handle(ctx, update.Message.Text)
			if reply == "" {
				continue
			}
			if err := t.Send(reply); err != nil {
				t.log.Error("sending reply failed", zap.Error(err))
			}
		}
	}
}

// dispatchQueueSize bounds the notification queue. Producers never
// block; overflow drops the message and logs it.
const dispatchQueueSize = 64

// Dispatcher decouples notification producers (poll loop, executor,
// scheduler) from chat delivery.
type Dispatcher struct {
	sender Sender
	log    *zap.Logger
	queue  chan string
}

// NewDispatcher creates a dispatcher. A nil sender turns Notify into a
// logged no-op, for setups without a configured chat.
func NewDispatcher(sender Sender, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		log:    log,
		queue:  make(chan string, dispatchQueueSize),
	}
}

// Notify enqueues a message without blocking the caller.
func (d *Dispatcher) Notify(text string) {
	if d.sender == nil {
		d.log.Debug("notification dropped, no chat configured", zap.String("text", text))
		return
	}
	select {
	case d.queue <- text:
	default:
		d.log.Warn("notification queue full, dropping message", zap.String("text", text))
	}
}

// Run delivers queued notifications until ctx is done. Delivery errors
// are logged and the message is dropped; notifications are best effort.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-d.queue:
			if d.sender == nil {
				continue
			}
			if err := d.sender.Send(text); err != nil {
				d.log.Error("delivering notification failed", zap.Error(err))
			}
		}
	}
}
