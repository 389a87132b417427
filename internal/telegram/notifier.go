// Package telegram delivers match and session notices to Telegram users.
// A user id that parses as an int64 is treated as the user's Telegram chat id;
// users of other clients are skipped.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"pairchat/backend/internal/localization"
	"pairchat/backend/internal/matching"
	"pairchat/backend/internal/models"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// Sender is the part of *tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// NewBot authorizes against the Bot API.
func NewBot(token string, log logrus.FieldLogger) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: authorize bot: %w", err)
	}
	bot.Debug = false
	log.WithField("bot", bot.Self.UserName).Info("telegram bot authorized")
	return bot, nil
}

type Notifier struct {
	bot  Sender
	loc  *localization.Localizer
	lang string
	log  logrus.FieldLogger
}

func NewNotifier(bot Sender, loc *localization.Localizer, lang string, log logrus.FieldLogger) *Notifier {
	if lang == "" {
		lang = localization.FallbackLanguage
	}
	return &Notifier{bot: bot, loc: loc, lang: lang, log: log.WithField("component", "telegram")}
}

// NotifyMatch tells both participants about a new session. Voice and video
// participants get a button with their personal join link.
func (n *Notifier) NotifyMatch(ctx context.Context, m matching.Match) error {
	var errs []error
	for _, t := range []models.WaitingTicket{m.Requester, m.Candidate} {
		chatID, ok := chatIDOf(t.UserID)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.send(n.matchMessage(chatID, m, t)); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", t.UserID, err))
		}
	}
	return errors.Join(errs...)
}

// NotifyEnded tells both participants that sess is over. endedBy may be empty
// when the session was closed by an operator.
func (n *Notifier) NotifyEnded(ctx context.Context, sess *models.Session, endedBy string) error {
	var errs []error
	for _, userID := range []string{sess.UserAID, sess.UserBID} {
		chatID, ok := chatIDOf(userID)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		key := "session_ended_partner"
		if endedBy == "" || endedBy == userID {
			key = "session_ended_self"
		}
		msg := tgbotapi.NewMessage(chatID, n.loc.GetString(n.lang, key))
		msg.ParseMode = tgbotapi.ModeMarkdown
		if err := n.send(msg); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) matchMessage(chatID int64, m matching.Match, t models.WaitingTicket) tgbotapi.MessageConfig {
	lang := t.Language
	if lang == "" {
		lang = n.lang
	}
	kind := m.Session.Kind
	text := n.loc.GetString(lang, "match_found_"+string(kind))

	var link string
	if m.Call != nil {
		if token, ok := m.Call.Tokens[t.UserID]; ok {
			link = joinLink(m.Call.Link, token)
		}
	}
	if kind.NeedsSignaling() && link == "" {
		text += "\n\n" + n.loc.GetString(lang, "call_unavailable")
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if link != "" {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonURL(n.loc.GetString(lang, "join_call"), link),
			),
		)
	}
	return msg
}

func (n *Notifier) send(msg tgbotapi.MessageConfig) error {
	if _, err := n.bot.Send(msg); err != nil {
		n.log.WithError(err).WithField("chat_id", msg.ChatID).Warn("send failed")
		return err
	}
	return nil
}

func joinLink(base, token string) string {
	return base + "?token=" + url.QueryEscape(token)
}

func chatIDOf(userID string) (int64, bool) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
