package portal

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsBuffer       = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// handleWS handles GET /ws. The client first receives the retained
// backlog, then live events until it disconnects. A client too slow to
// keep up misses events rather than stalling the node.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bus == nil {
		errorResponse(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, backlog := s.opts.Bus.SubscribeWithBacklog(wsBuffer)
	defer s.opts.Bus.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only detect the client going away; the stream is one-way.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read ended", "error", err)
				}
				return
			}
		}
	}()

	s.logger.Debug("websocket client attached", "remote", r.RemoteAddr, "backlog", len(backlog))

	for _, e := range backlog {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
