package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Sockets authenticate with a bearer token, not cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// socket serializes writes to one websocket connection.
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func upgrade(c echo.Context) (*socket, error) {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil, err
	}
	return &socket{conn: conn}, nil
}

// liveContext outlives request timeouts but keeps the request's values.
func liveContext(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(context.WithoutCancel(c.Request().Context()))
}

func (s *socket) send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// sendError reports a failed action without closing the socket.
func (s *socket) sendError(action, postID string, err error) {
	_, msg := describeError(err)
	frame := echo.Map{
		"type":      "error",
		"action":    action,
		"error":     msg,
		"retryable": apperr.IsRetryable(err),
	}
	if postID != "" {
		frame["post_id"] = postID
	}
	if werr := s.send(frame); werr != nil {
		logging.Debug().Err(werr).Msg("failed to write error frame")
	}
}

// keepAlive pings the peer until ctx ends. A failed ping cancels the session.
func (s *socket) keepAlive(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.mu.Unlock()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

// readFrames hands every client message to handle until the peer goes away,
// then cancels the session and closes done.
func (s *socket) readFrames(cancel context.CancelFunc, done chan<- struct{}, handle func(data []byte)) {
	defer close(done)
	defer cancel()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Msg("unexpected websocket close error")
			}
			return
		}
		handle(data)
	}
}

// close says goodbye and releases the connection, which also stops readFrames.
func (s *socket) close(code int, reason string) {
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	s.mu.Unlock()
	_ = s.conn.Close() // best-effort cleanup
}
