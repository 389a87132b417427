package telegram

import (
	"context"
	"errors"
	"pairchat/backend/internal/localization"
	"pairchat/backend/internal/matching"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/testutil"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return tgbotapi.Message{}, args.Error(0)
}

// sent returns the message configs passed to Send, in call order.
func (m *MockSender) sent(t *testing.T) []tgbotapi.MessageConfig {
	t.Helper()
	var out []tgbotapi.MessageConfig
	for _, call := range m.Calls {
		msg, ok := call.Arguments.Get(0).(tgbotapi.MessageConfig)
		require.True(t, ok, "unexpected chattable %T", call.Arguments.Get(0))
		out = append(out, msg)
	}
	return out
}

func newNotifier(t *testing.T, bot Sender) *Notifier {
	t.Helper()
	loc, err := localization.Bundled()
	require.NoError(t, err)
	log, _ := testutil.NewLogger()
	return NewNotifier(bot, loc, "en", log)
}

func TestNotifyMatch_Text(t *testing.T) {
	bot := new(MockSender)
	bot.On("Send", mock.Anything).Return(nil)
	n := newNotifier(t, bot)

	m := matching.Match{
		Session:   &models.Session{ID: "s1", UserAID: "101", UserBID: "202", Kind: models.KindText},
		Requester: models.WaitingTicket{UserID: "101", Kind: models.KindText, Language: "uk"},
		Candidate: models.WaitingTicket{UserID: "202", Kind: models.KindText},
	}
	require.NoError(t, n.NotifyMatch(context.Background(), m))

	msgs := bot.sent(t)
	require.Len(t, msgs, 2)
	assert.EqualValues(t, 101, msgs[0].ChatID)
	assert.Contains(t, msgs[0].Text, "Співрозмовника знайдено")
	assert.EqualValues(t, 202, msgs[1].ChatID)
	assert.Contains(t, msgs[1].Text, "Partner found")
	assert.Nil(t, msgs[1].ReplyMarkup)
}

func TestNotifyMatch_CallLinkPerParticipant(t *testing.T) {
	bot := new(MockSender)
	bot.On("Send", mock.Anything).Return(nil)
	n := newNotifier(t, bot)

	m := matching.Match{
		Session:   &models.Session{ID: "s1", UserAID: "101", UserBID: "202", Kind: models.KindVideo},
		Requester: models.WaitingTicket{UserID: "101", Kind: models.KindVideo},
		Candidate: models.WaitingTicket{UserID: "202", Kind: models.KindVideo},
		Call: &models.CallInvite{
			RoomID: "r1",
			Link:   "https://call.example/r1",
			Tokens: map[string]string{"101": "tok-a", "202": "tok-b"},
		},
	}
	require.NoError(t, n.NotifyMatch(context.Background(), m))

	msgs := bot.sent(t)
	require.Len(t, msgs, 2)
	for i, want := range []string{"https://call.example/r1?token=tok-a", "https://call.example/r1?token=tok-b"} {
		kb, ok := msgs[i].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
		require.True(t, ok)
		require.NotNil(t, kb.InlineKeyboard[0][0].URL)
		assert.Equal(t, want, *kb.InlineKeyboard[0][0].URL)
		assert.Equal(t, "Join call", kb.InlineKeyboard[0][0].Text)
		assert.Contains(t, msgs[i].Text, "video call")
	}
}

func TestNotifyMatch_CallWithoutRoom(t *testing.T) {
	bot := new(MockSender)
	bot.On("Send", mock.Anything).Return(nil)
	n := newNotifier(t, bot)

	m := matching.Match{
		Session:   &models.Session{ID: "s1", UserAID: "101", UserBID: "202", Kind: models.KindVoice},
		Requester: models.WaitingTicket{UserID: "101", Kind: models.KindVoice},
		Candidate: models.WaitingTicket{UserID: "202", Kind: models.KindVoice},
	}
	require.NoError(t, n.NotifyMatch(context.Background(), m))

	for _, msg := range bot.sent(t) {
		assert.Contains(t, msg.Text, "could not be opened")
		assert.Nil(t, msg.ReplyMarkup)
	}
}

func TestNotifyMatch_SkipsNonTelegramUsers(t *testing.T) {
	bot := new(MockSender)
	bot.On("Send", mock.Anything).Return(nil)
	n := newNotifier(t, bot)

	m := matching.Match{
		Session:   &models.Session{ID: "s1", UserAID: "web-user", UserBID: "202", Kind: models.KindText},
		Requester: models.WaitingTicket{UserID: "web-user", Kind: models.KindText},
		Candidate: models.WaitingTicket{UserID: "202", Kind: models.KindText},
	}
	require.NoError(t, n.NotifyMatch(context.Background(), m))
	bot.AssertNumberOfCalls(t, "Send", 1)
}

func TestNotifyMatch_ReportsSendFailures(t *testing.T) {
	bot := new(MockSender)
	bot.On("Send", mock.Anything).Return(errors.New("blocked by user")).Once()
	bot.On("Send", mock.Anything).Return(nil)
	n := newNotifier(t, bot)

	m := matching.Match{
		Session:   &models.Session{ID: "s1", UserAID: "101", UserBID: "202", Kind: models.KindText},
		Requester: models.WaitingTicket{UserID: "101", Kind: models.KindText},
		Candidate: models.WaitingTicket{UserID: "202", Kind: models.KindText},
	}
	err := n.NotifyMatch(context.Background(), m)
	require.Error(t, err)
	assert.ErrorContains(t, err, "notify 101")
	// The second participant is still notified.
	bot.AssertNumberOfCalls(t, "Send", 2)
}

func TestNotifyEnded(t *testing.T) {
	bot := new(MockSender)
	bot.On("Send", mock.Anything).Return(nil)
	n := newNotifier(t, bot)

	sess := &models.Session{ID: "s1", UserAID: "101", UserBID: "202", Kind: models.KindText}
	require.NoError(t, n.NotifyEnded(context.Background(), sess, "101"))

	msgs := bot.sent(t)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Text, "Send /start")
	assert.NotContains(t, msgs[0].Text, "partner left")
	assert.Contains(t, msgs[1].Text, "partner left")
}
