package broker

import (
	"context"
	"fmt"

	"chat-broker/pkg/models"
)

// Handle dispatches one decoded inbound frame and answers the sender.
func (b *Broker) Handle(ctx context.Context, sessionID string, env models.Envelope) {
	s, ok := b.Session(sessionID)
	if !ok {
		return
	}
	s.touch(b.now())

	switch env.Type {
	case models.MessageTypeSend:
		msg, err := b.Send(ctx, sessionID, env.ChannelID, env.Body, env.CorrelationID, env.Attachments)
		if err != nil {
			b.reply(s, errorEnvelope(env, err))
			return
		}
		b.reply(s, models.Envelope{
			Type:          models.MessageTypeAck,
			ChannelID:     msg.ChannelID,
			CorrelationID: env.CorrelationID,
			Message:       msg,
			Timestamp:     b.now(),
		})

	case models.MessageTypeJoin:
		channelIDs := env.ChannelIDs
		if env.ChannelID != "" {
			channelIDs = append(channelIDs, env.ChannelID)
		}
		results, err := b.Join(ctx, sessionID, channelIDs)
		if err != nil {
			b.reply(s, errorEnvelope(env, err))
			return
		}
		var joined []string
		for _, res := range results {
			if res.Err != nil {
				b.reply(s, errorEnvelope(models.Envelope{Type: env.Type, ChannelID: res.ChannelID}, res.Err))
				continue
			}
			joined = append(joined, res.ChannelID)
		}
		if len(joined) > 0 {
			b.reply(s, models.Envelope{Type: models.MessageTypeJoined, ChannelIDs: joined, Timestamp: b.now()})
		}

	case models.MessageTypeLeave:
		if err := b.Leave(sessionID, env.ChannelID); err != nil {
			b.reply(s, errorEnvelope(env, err))
			return
		}
		b.reply(s, models.Envelope{Type: models.MessageTypeLeft, ChannelID: env.ChannelID, Timestamp: b.now()})

	case models.MessageTypeTypingStart:
		if err := b.SetTyping(sessionID, env.ChannelID); err != nil {
			b.reply(s, errorEnvelope(env, err))
		}

	case models.MessageTypeTypingStop:
		if err := b.ClearTyping(sessionID, env.ChannelID); err != nil {
			b.reply(s, errorEnvelope(env, err))
		}

	default:
		b.reply(s, errorEnvelope(env, fmt.Errorf("%w: unknown frame type %q", ErrInvalidPayload, env.Type)))
	}
}

func errorEnvelope(req models.Envelope, err error) models.Envelope {
	return models.Envelope{
		Type:          models.MessageTypeError,
		ChannelID:     req.ChannelID,
		CorrelationID: req.CorrelationID,
		Code:          Code(err),
		Reason:        err.Error(),
	}
}
