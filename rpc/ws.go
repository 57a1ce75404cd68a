package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"agora/core/state"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBatchSize    = 100
	wsFeedBuffer   = 256
)

// handleEventsWS streams journal events over a WebSocket. A cursor query
// parameter replays the journal from that sequence before going live.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	// Subscribe before the replay so nothing falls between backlog and live
	// delivery; duplicates are filtered on sequence.
	subID, feed := s.node.SubscribeEvents(wsFeedBuffer)
	defer s.node.UnsubscribeEvents(subID)

	last := cursor
	for {
		batch, err := s.node.Events(last, wsBatchSize)
		if err != nil {
			return err
		}
		for _, entry := range batch {
			if err := writeEventUpdate(ctx, conn, entry); err != nil {
				return err
			}
			last = entry.Sequence
		}
		if len(batch) < wsBatchSize {
			break
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-feed:
			if !ok {
				return nil
			}
			if entry.Sequence <= last {
				continue
			}
			if err := writeEventUpdate(ctx, conn, entry); err != nil {
				return err
			}
			last = entry.Sequence
		}
	}
}

func writeEventUpdate(ctx context.Context, conn *websocket.Conn, entry state.JournalEntry) error {
	data, err := json.Marshal(formatEventJSON(entry))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
