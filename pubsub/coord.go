package pubsub

import "github.com/epbforge/shellsync/collab"

// The channel which has coordination payloads: lease changes and session terminations.
const ChanCoord = "coordch"

type CoordListener interface {
	OnLockChanged(p *LockChanged)
	OnSessionEnded(p *SessionEnded)
}

// LockChanged is emitted after a lease is granted or released. Lock is nil for a release, in
// which case ReleasedBy names the holder that let go; a release by anyone else was a no-op.
type LockChanged struct {
	Unit       collab.UnitKey
	Lock       *collab.Lock
	ReleasedBy string
}

func (v LockChanged) Type() string { return "l" }

// SessionEnded is emitted after a session is marked inactive.
type SessionEnded struct {
	SessionID  string
	DocumentID string
}

func (v SessionEnded) Type() string { return "e" }

type CoordSub struct {
	listener Listener
	receiver CoordListener
}

func NewCoordSub(l Listener, recv CoordListener) *CoordSub {
	return &CoordSub{
		listener: l,
		receiver: recv,
	}
}

func (v *CoordSub) Teardown() {
	v.listener.Close()
}

func (v *CoordSub) onMessage(p Payload) {
	switch p.Type() {
	case LockChanged{}.Type():
		v.receiver.OnLockChanged(p.(*LockChanged))
	case SessionEnded{}.Type():
		v.receiver.OnSessionEnded(p.(*SessionEnded))
	default:
		logger.Warn().Str("type", p.Type()).Msg("CoordSub: unhandled payload type")
	}
}

// Listen blocks until the listener is closed.
func (v *CoordSub) Listen() error {
	return v.listener.Listen(ChanCoord, v.onMessage)
}
