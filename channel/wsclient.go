package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
	"github.com/gorilla/websocket"
	"github.com/tidwall/sjson"
)

// WSDialer joins topics on a remote hub over websockets.
type WSDialer struct {
	// URL of the channel endpoint, e.g "wss://shellsync.example.com/v1/channel".
	URL        string
	Header     http.Header
	Dialer     *websocket.Dialer
	BufferSize int
}

func (d *WSDialer) Join(ctx context.Context, topic, key string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("WSDialer: bad url: %w", err)
	}
	q := u.Query()
	q.Set("topic", topic)
	q.Set("key", key)
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		return nil, fmt.Errorf("WSDialer: failed to join %s: %w", topic, err)
	}
	bufferSize := d.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	c := &wsConn{
		ws:     ws,
		key:    key,
		topic:  topic,
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	key    string
	topic  string
	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Key() string {
	return c.key
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

func (c *wsConn) readLoop() {
	defer internal.ReportPanicsToSentry()
	defer close(c.done)
	defer close(c.events)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			logger.Warn().Err(err).Str("topic", c.topic).Msg("dropping undecodable event")
			continue
		}
		select {
		case c.events <- ev:
		default:
			logger.Warn().Str("topic", c.topic).Str("kind", string(ev.Kind)).Msg("consumer is not keeping up, dropping event")
		}
	}
}

func (c *wsConn) write(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Track(ctx context.Context, meta collab.PresenceMeta) error {
	frame, err := sjson.SetBytes([]byte(`{"type":"track"}`), "meta", meta)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func (c *wsConn) Untrack(ctx context.Context) error {
	return c.write(ctx, []byte(`{"type":"untrack"}`))
}

func (c *wsConn) Publish(ctx context.Context, event string, payload interface{}) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	frame, err := sjson.SetBytes([]byte(`{"type":"broadcast"}`), "event", event)
	if err != nil {
		return err
	}
	if len(raw) > 0 {
		frame, err = sjson.SetRawBytes(frame, "payload", raw)
		if err != nil {
			return err
		}
	}
	return c.write(ctx, frame)
}

// Close sends a close frame and waits briefly for the server to hang up.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		select {
		case <-c.done:
		case <-time.After(time.Second):
		}
		c.ws.Close()
	})
	return nil
}

var _ Dialer = (*WSDialer)(nil)
