// Package notify sends a digest of contacts needing a reply to Telegram.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/Napageneral/nudge/internal/aggregate"
)

// Telegram caps a message at 4096 characters.
const maxMessageLen = 4000

// Sender is the part of the bot API the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotFactory creates a Sender; tests swap it for a fake.
type BotFactory func(token, apiEndpoint string, client *http.Client) (Sender, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (Sender, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

type Telegram struct {
	chatID int64
	bot    Sender
	logger *zap.Logger
}

func NewTelegram(token string, chatID int64, logger *zap.Logger) (*Telegram, error) {
	return NewTelegramWithFactory(token, chatID, logger, defaultBotFactory)
}

func NewTelegramWithFactory(token string, chatID int64, logger *zap.Logger, factory BotFactory) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bot, err := factory(token, tgbotapi.APIEndpoint, http.DefaultClient)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{chatID: chatID, bot: bot, logger: logger}, nil
}

// Notify sends the digest for flagged. Nothing is sent when no contact is
// newly flagged.
func (t *Telegram) Notify(ctx context.Context, flagged []aggregate.Flagged) error {
	text := Digest(flagged)
	if text == "" {
		return nil
	}
	for _, chunk := range split(text, maxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	t.logger.Info("telegram digest sent", zap.Int("contacts", len(flagged)))
	return nil
}

// Digest lists every flagged contact, newly flagged ones marked, or returns
// "" when none is new.
func Digest(flagged []aggregate.Flagged) string {
	anyNew := false
	for _, f := range flagged {
		anyNew = anyNew || f.New
	}
	if !anyNew {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d contact(s) waiting on a reply:\n", len(flagged))
	for _, f := range flagged {
		marker := "•"
		if f.New {
			marker = "• new:"
		}
		name := f.Address
		if f.Summary.DisplayName != "" {
			name = f.Summary.DisplayName + " (" + f.Address + ")"
		}
		fmt.Fprintf(&b, "%s %s since %s\n", marker, name, f.LastInboundAt.Format("Jan 2 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// split cuts text into chunks of at most max bytes, preferring line breaks.
func split(text string, max int) []string {
	var chunks []string
	for len(text) > max {
		idx := strings.LastIndex(text[:max], "\n")
		if idx <= 0 {
			idx = max
		}
		chunks = append(chunks, text[:idx])
		text = strings.TrimLeft(text[idx:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
