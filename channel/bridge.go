package channel

import (
	"github.com/epbforge/shellsync/pubsub"
)

// Bridge relays coordination payloads from the process bus onto hub topics, so lock tables
// and session participants hear about changes made through any API instance.
type Bridge struct {
	hub *Hub
}

func NewBridge(hub *Hub) *Bridge {
	return &Bridge{hub: hub}
}

func (b *Bridge) OnLockChanged(p *pubsub.LockChanged) {
	err := b.hub.Broadcast(LocksTopic(p.Unit.Scope), EventLockChanged, LockChangedPayload{
		Unit:       p.Unit,
		Lock:       p.Lock,
		ReleasedBy: p.ReleasedBy,
	})
	if err != nil {
		logger.Err(err).Str("unit", p.Unit.String()).Msg("failed to relay lock change")
	}
}

// OnSessionEnded tells everyone still subscribed that the session is over and closes the
// topic. Participants may also have seen the host's own broadcast; handling is idempotent.
func (b *Bridge) OnSessionEnded(p *pubsub.SessionEnded) {
	err := b.hub.CloseTopic(SessionTopic(p.SessionID), EventSessionEnded, SessionEndedPayload{
		SessionID: p.SessionID,
	})
	if err != nil {
		logger.Err(err).Str("session", p.SessionID).Msg("failed to close session topic")
	}
}

var _ pubsub.CoordListener = (*Bridge)(nil)
