package signaling

import (
	"context"
	"encoding/json"
	"pairchat/backend/internal/apperr"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type envelopeKind string

const (
	envelopeSignal envelopeKind = "signal"
	envelopeClose  envelopeKind = "close"
)

// envelope is what instances exchange on the signal channel. Signal envelopes
// are addressed to one instance; close envelopes go to everyone.
type envelope struct {
	Kind     envelopeKind    `json:"kind"`
	Instance string          `json:"instance,omitempty"`
	Origin   string          `json:"origin"`
	RoomID   string          `json:"room_id"`
	UserID   string          `json:"user_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Code     int             `json:"code,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

func (r *RelayService) publish(ctx context.Context, env envelope) bool {
	env.Origin = r.cfg.InstanceID
	data, err := json.Marshal(env)
	if err != nil {
		r.log.WithError(err).Warn("encode envelope failed")
		return false
	}
	if err := r.store.PublishSignal(ctx, data); err != nil {
		r.log.WithError(err).WithField("room_id", env.RoomID).Warn("publish envelope failed")
		return false
	}
	return true
}

// Bus receives envelopes published by other instances.
type Bus struct {
	relay *RelayService
	sub   *redis.PubSub
}

// Subscribe joins the signal channel and returns once the subscription is live.
func (r *RelayService) Subscribe(ctx context.Context) (*Bus, error) {
	sub := r.store.SubscribeSignals(ctx)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, apperr.Transient("subscribe signals", err)
	}
	return &Bus{relay: r, sub: sub}, nil
}

// Serve dispatches envelopes until ctx is done.
func (b *Bus) Serve(ctx context.Context) {
	defer b.sub.Close()
	ch := b.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.relay.handleEnvelope(ctx, []byte(msg.Payload))
		}
	}
}

func (r *RelayService) handleEnvelope(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.WithError(err).Warn("malformed envelope")
		return
	}
	if env.Origin == r.cfg.InstanceID {
		return
	}
	switch env.Kind {
	case envelopeSignal:
		if env.Instance != r.cfg.InstanceID {
			return
		}
		p := r.localPeer(env.RoomID, env.UserID)
		if p == nil || !p.conn.Send(env.Payload) {
			r.log.WithFields(logrus.Fields{"room_id": env.RoomID, "user_id": env.UserID}).Debug("remote signal dropped")
		}
	case envelopeClose:
		r.closeLocal(ctx, env.RoomID, env.Code, env.Reason)
	}
}
