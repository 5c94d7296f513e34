package httpapi

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleAdminEvents streams workflow events over a websocket. Each
// subscriber gets its own buffered feed; a consumer that stalls past
// the write timeout is closed rather than allowed to apply
// backpressure to the workflows.
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	if authErr := authorizeAdmin(r, s.cfg.AdminAPIKey); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.events == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream not configured", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("event stream accept failed [%s]: %v", correlationID, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.events.Subscribe()
	defer cancel()

	// CloseRead surfaces client disconnects through the returned
	// context; the stream is write-only.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client departed")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream shutting down")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, s.cfg.EventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				conn.Close(websocket.StatusPolicyViolation, "slow consumer")
				return
			}
		}
	}
}
