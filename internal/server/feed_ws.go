package server

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/ashita-ai/kanri/internal/model"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// HandleFeedWS handles GET /v1/feed/ws: the live feed as one JSON-encoded
// event per text message.
func (h *Handlers) HandleFeedWS(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "live feed not available")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Debug("http: websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// The feed is one-way; CloseRead discards client frames and cancels ctx
	// when the client goes away.
	ctx := conn.CloseRead(r.Context())

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	if err := streamFeed(ctx, ch, conn); err != nil && ctx.Err() == nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamFeed(ctx context.Context, ch <-chan FeedEvent, writer wsWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writer.Write(ctx, websocket.MessageText, evt.Data); err != nil {
				return err
			}
		}
	}
}
