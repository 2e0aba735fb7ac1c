package telegram

import (
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"

	"github.com/ocpp-balanz/balanz/internal"
)

// TgBot implements EventHandler, pushing charging events to subscribed chats.
type TgBot struct {
	api           *tgbotapi.BotAPI
	database      internal.Database
	subscriptions map[int]internal.UserSubscription
	event         chan MessageContent
	send          chan MessageContent
}

type MessageContent struct {
	ChatID int64
	Text   string
}

func NewBot(apiKey string) (*TgBot, error) {
	tgBot := &TgBot{
		subscriptions: make(map[int]internal.UserSubscription),
		event:         make(chan MessageContent, 100),
		send:          make(chan MessageContent, 100),
	}
	api, err := tgbotapi.NewBotAPI(apiKey)
	if err != nil {
		return nil, err
	}
	tgBot.api = api
	return tgBot, nil
}

// SetDatabase attach database service
func (b *TgBot) SetDatabase(database internal.Database) {
	b.database = database
}

func (b *TgBot) Start() {
	if b.database != nil {
		subscriptions, err := b.database.GetSubscriptions()
		if err != nil {
			log.Printf("bot: error getting subscriptions: %v", err)
		} else {
			for _, subscription := range subscriptions {
				b.subscriptions[subscription.UserID] = subscription
			}
		}
	}
	go b.sendPump()
	go b.eventPump()
	go b.updatesPump()
}

// updatesPump listens for subscribe/unsubscribe commands.
func (b *TgBot) updatesPump() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates, err := b.api.GetUpdatesChan(u)
	if err != nil {
		log.Printf("bot: error getting updates: %v", err)
		return
	}
	for update := range updates {
		if update.Message == nil || !update.Message.IsCommand() {
			continue
		}
		switch update.Message.Command() {
		case "start":
			subscription := internal.UserSubscription{
				UserID:   update.Message.From.ID,
				ChatID:   update.Message.Chat.ID,
				Username: update.Message.From.UserName,
			}
			b.subscriptions[subscription.UserID] = subscription
			if b.database != nil {
				if err := b.database.AddSubscription(&subscription); err != nil {
					log.Printf("bot: error saving subscription: %v", err)
				}
			}
			b.send <- MessageContent{ChatID: subscription.ChatID, Text: "Subscribed to charging events"}
		case "stop":
			if subscription, ok := b.subscriptions[update.Message.From.ID]; ok {
				delete(b.subscriptions, subscription.UserID)
				if b.database != nil {
					if err := b.database.DeleteSubscription(&subscription); err != nil {
						log.Printf("bot: error deleting subscription: %v", err)
					}
				}
				b.send <- MessageContent{ChatID: subscription.ChatID, Text: "Unsubscribed"}
			}
		}
	}
}

func (b *TgBot) eventPump() {
	for content := range b.event {
		for _, subscription := range b.subscriptions {
			b.send <- MessageContent{ChatID: subscription.ChatID, Text: content.Text}
		}
	}
}

func (b *TgBot) sendPump() {
	for content := range b.send {
		message := tgbotapi.NewMessage(content.ChatID, content.Text)
		if _, err := b.api.Send(message); err != nil {
			log.Printf("bot: error sending message: %v", err)
		}
	}
}

func (b *TgBot) broadcast(text string) {
	select {
	case b.event <- MessageContent{Text: text}:
	default:
	}
}

func (b *TgBot) OnStatusNotification(event *internal.EventMessage) {
	// Regular status churn is too noisy for chat.
}

func (b *TgBot) OnTransactionStart(event *internal.EventMessage) {
	b.broadcast(fmt.Sprintf("Transaction %d started on %s/%d by %s",
		event.TransactionId, event.ChargerId, event.ConnectorId, event.IdTag))
}

func (b *TgBot) OnTransactionStop(event *internal.EventMessage) {
	b.broadcast(fmt.Sprintf("Transaction %d stopped on %s/%d; %s",
		event.TransactionId, event.ChargerId, event.ConnectorId, event.Info))
}

func (b *TgBot) OnAuthorize(event *internal.EventMessage) {
	b.broadcast(fmt.Sprintf("Tag %s on %s: %s", event.IdTag, event.ChargerId, event.Status))
}

func (b *TgBot) OnAlert(event *internal.EventMessage) {
	b.broadcast(fmt.Sprintf("ALERT %s/%d: %s %s", event.ChargerId, event.ConnectorId, event.Status, event.Info))
}
