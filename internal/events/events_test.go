package events

import (
	"context"
	"encoding/json"
	"errors"
	"pairchat/backend/internal/models"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_KeysBySession(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w}
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sess := &models.Session{ID: "s-1", UserAID: "101", UserBID: "202", Kind: models.KindVoice, CreatedAt: created}

	require.NoError(t, p.Publish(context.Background(), Ended(sess, created.Add(90*time.Second), 4, 2)))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "s-1", string(msg.Key))
	assert.Equal(t, "type", msg.Headers[0].Key)
	assert.Equal(t, "session.ended", string(msg.Headers[0].Value))

	var got Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, SessionEnded, got.Type)
	assert.Equal(t, 4, got.CountA)
	assert.Equal(t, 2, got.CountB)
	assert.Equal(t, int64(90_000), got.DurationMS)
	assert.Equal(t, models.KindVoice, got.Kind)
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &recordingWriter{err: boom}}

	err := p.Publish(context.Background(), Created(&models.Session{ID: "s-1"}))

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "session.created")
}

func TestNew_WithoutBrokers(t *testing.T) {
	p := New(nil, "topic")

	assert.IsType(t, Nop{}, p)
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
