package hub

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 4 << 10
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

// WSHandler upgrades requests to websocket connections and attaches them
// to a Hub.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates the websocket endpoint. An empty allowedOrigins
// accepts any origin.
func NewWSHandler(h *Hub, allowedOrigins []string, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     buildOriginChecker(allowedOrigins, logger),
		},
		logger: logger.With("component", "ws"),
	}
}

func (ws *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub, err := ws.hub.Subscribe()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go ws.writePump(conn, sub)
	go ws.readPump(conn, sub)
}

// readPump forwards client frames to the hub until the connection fails.
func (ws *WSHandler) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		ws.hub.Unsubscribe(sub)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				ws.logger.Info("read deadline exceeded", "subscriber", sub.ID)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Warn("read error", "subscriber", sub.ID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		ws.hub.HandleClientMessage(sub, data)
	}
}

// writePump drains the subscriber queue onto the socket and keeps the
// connection alive with ping frames.
func (ws *WSHandler) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				ws.logger.Warn("write error", "subscriber", sub.ID, "error", err)
				ws.hub.Unsubscribe(sub)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				ws.logger.Warn("ping failure", "subscriber", sub.ID, "error", err)
				ws.hub.Unsubscribe(sub)
				return
			}
		}
	}
}

func buildOriginChecker(allowlist []string, logger *slog.Logger) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(strings.TrimSpace(origin))
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", "origin", origin)
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			// Non-browser clients do not send an Origin.
			return true
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			return false
		}
		_, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]
		if !ok {
			logger.Warn("rejecting websocket origin", "origin", originHeader)
		}
		return ok
	}
}
