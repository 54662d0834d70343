// Package chatorigin implements the chat-side half of a ChatOrigin (spec
// §3 glossary): posting a new message and editing an existing one in
// place, the callback contract the StreamAccumulator (C6) drives.
// Grounded on the teacher's bot.go Telegram wiring (NewBotAPI,
// sendMessage's Markdown-then-plain-text fallback, NewEditMessageText).
package chatorigin

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dispatchfabric/internal/envelope"
)

// Telegram posts and edits chat messages against the Telegram Bot API.
type Telegram struct {
	api *tgbotapi.BotAPI
}

// NewTelegram authenticates against Telegram with token.
func NewTelegram(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{api: api}, nil
}

// Edit implements stream.EditFunc: it posts text as a new message when
// messageID is empty, otherwise edits the existing message in place. Both
// paths try HTML parse mode first and retry as plain text if Telegram
// rejects the markup, mirroring the teacher's Markdown-then-plain fallback
// for sendMessage.
func (t *Telegram) Edit(origin envelope.ChatOrigin, text, messageID string) (string, error) {
	chatID, err := strconv.ParseInt(origin.ChannelID, 10, 64)
	if err != nil {
		return "", err
	}

	if messageID == "" {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "HTML"
		if origin.ThreadTS != "" {
			if tid, err := strconv.Atoi(origin.ThreadTS); err == nil {
				msg.ReplyToMessageID = tid
			}
		}
		sent, err := t.api.Send(msg)
		if err != nil && strings.Contains(err.Error(), "can't parse entities") {
			msg.ParseMode = ""
			sent, err = t.api.Send(msg)
		}
		if err != nil {
			return "", err
		}
		return strconv.Itoa(sent.MessageID), nil
	}

	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return "", err
	}
	edit := tgbotapi.NewEditMessageText(chatID, msgID, text)
	edit.ParseMode = "HTML"
	_, err = t.api.Send(edit)
	if err != nil && strings.Contains(err.Error(), "can't parse entities") {
		edit.ParseMode = ""
		_, err = t.api.Send(edit)
	}
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		// Telegram rejects an edit whose text is byte-identical to the
		// current message; the StreamAccumulator tick already has nothing
		// new in this case, but a race with another goroutine can still
		// produce it, so treat it as success rather than retry forever.
		return messageID, nil
	}
	if err != nil {
		return "", err
	}
	return messageID, nil
}
