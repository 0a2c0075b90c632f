package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// Send pings to the peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum frame size allowed from the peer.
	maxFrameSize = 64 * 1024
)

// Frame types sent by clients.
const (
	frameTrack     = "track"
	frameUntrack   = "untrack"
	frameBroadcast = "broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin checks are done by the CORS middleware in front of the router
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and bridges the websocket to a hub subscription. The topic and
// presence key come from the "topic" and "key" query parameters.
func (h *Hub) ServeWS(w http.ResponseWriter, req *http.Request) {
	topic := req.URL.Query().Get("topic")
	key := req.URL.Query().Get("key")
	if topic == "" || key == "" {
		http.Error(w, `{"error":"topic and key are required"}`, http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already replied to the client
		logger.Warn().Err(err).Str("topic", topic).Msg("websocket upgrade failed")
		return
	}
	sub, err := h.Subscribe(topic, key)
	if err != nil {
		ws.Close()
		return
	}
	logger.Trace().Str("topic", topic).Str("key", key).Msg("websocket subscribed")
	go writePump(ws, sub)
	go readPump(ws, sub)
}

// readPump applies client frames to the subscription until the socket dies, then unsubscribes.
func readPump(ws *websocket.Conn, sub *Subscription) {
	defer internal.ReportPanicsToSentry()
	defer func() {
		sub.Close()
		ws.Close()
	}()
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Str("topic", sub.topic).Str("key", sub.key).Msg("websocket closed unexpectedly")
			}
			return
		}
		if err := applyFrame(sub, msg); err != nil {
			logger.Warn().Err(err).Str("topic", sub.topic).Str("key", sub.key).Msg("bad client frame")
		}
	}
}

func applyFrame(sub *Subscription, msg []byte) error {
	frame := gjson.ParseBytes(msg)
	switch frame.Get("type").Str {
	case frameTrack:
		var meta collab.PresenceMeta
		if err := json.Unmarshal([]byte(frame.Get("meta").Raw), &meta); err != nil {
			return err
		}
		return sub.Track(context.Background(), meta)
	case frameUntrack:
		return sub.Untrack(context.Background())
	case frameBroadcast:
		event := frame.Get("event").Str
		if event == "" {
			return errBadFrame("broadcast without event")
		}
		var payload json.RawMessage
		if p := frame.Get("payload"); p.Exists() {
			payload = json.RawMessage(p.Raw)
		}
		return sub.Publish(context.Background(), event, payload)
	}
	return errBadFrame("unknown frame type " + frame.Get("type").Str)
}

type errBadFrame string

func (e errBadFrame) Error() string { return string(e) }

// writePump is the only writer on the socket: it forwards hub events and pings.
func writePump(ws *websocket.Conn, sub *Subscription) {
	defer internal.ReportPanicsToSentry()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case ev, ok := <-sub.Events():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the subscription ended server side, e.g the topic was closed
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
