package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/VenkatGGG/testswarm/pkg/httpx"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 10 * time.Second
)

// handleEventStream forwards bus events to a dashboard over a websocket.
// Dashboards only listen; anything they send is discarded.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "stream_disabled", "event stream is not enabled")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("dashboard websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := conn.CloseRead(r.Context())
	feed, cancel := s.events.Subscribe(streamBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				s.logger.Debug("dashboard stream closed", zap.Error(err))
				return
			}
		}
	}
}
