package telegram

import (
	"fmt"
	"log"
	"strings"

	"github.com/HenokTZA/evcsms/internal"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
)

// TgBot is a one-way notifier: it forwards status and transaction events to
// a fixed operator chat. It implements internal.EventHandler.
type TgBot struct {
	api    *tgbotapi.BotAPI
	chatId int64
	send   chan string
}

func NewBot(apiKey string, chatId int64) (*TgBot, error) {
	api, err := tgbotapi.NewBotAPI(apiKey)
	if err != nil {
		return nil, err
	}
	bot := &TgBot{
		api:    api,
		chatId: chatId,
		send:   make(chan string, 100),
	}
	go bot.sendPump()
	return bot, nil
}

// sendPump delivers queued messages; event handlers never block on the API
func (b *TgBot) sendPump() {
	for text := range b.send {
		b.sendMessage(text)
	}
}

func (b *TgBot) sendMessage(text string) {
	msg := tgbotapi.NewMessage(b.chatId, text)
	msg.ParseMode = "MarkdownV2"
	_, err := b.api.Send(msg)
	if err != nil {
		// parse mode may be the culprit; retry as plain text
		msg = tgbotapi.NewMessage(b.chatId, text)
		_, err = b.api.Send(msg)
		if err != nil {
			log.Printf("bot: error sending message: %v", err)
		}
	}
}

func (b *TgBot) OnStatusNotification(event *internal.EventMessage) {
	if event.ConnectorId == 0 {
		// status of the charger itself is too chatty, connectors only
		return
	}
	msg := fmt.Sprintf("*%v*: Connector %v: `%v`\n", sanitize(event.ChargePointId), event.ConnectorId, event.Status)
	if event.Info != "" {
		msg += fmt.Sprintf("%v\n", sanitize(event.Info))
	}
	b.send <- msg
}

func (b *TgBot) OnTransactionStart(event *internal.EventMessage) {
	msg := fmt.Sprintf("*%v*: Connector %v\n", sanitize(event.ChargePointId), event.ConnectorId)
	msg += fmt.Sprintf("Transaction ID: %v START\n", event.TransactionId)
	msg += fmt.Sprintf("ID Tag: %v\n", sanitize(event.IdTag))
	b.send <- msg
}

func (b *TgBot) OnTransactionStop(event *internal.EventMessage) {
	msg := fmt.Sprintf("*%v*: Connector %v\n", sanitize(event.ChargePointId), event.ConnectorId)
	msg += fmt.Sprintf("Transaction ID: %v STOP\n", event.TransactionId)
	msg += fmt.Sprintf("ID Tag: %v\n", sanitize(event.IdTag))
	b.send <- msg
}

func sanitize(input string) string {
	reservedChars := "\\`*_{}[]()#+-.!|"
	sanitized := ""
	for _, char := range input {
		if strings.ContainsRune(reservedChars, char) {
			sanitized += "\\" + string(char)
		} else {
			sanitized += string(char)
		}
	}
	return sanitized
}
