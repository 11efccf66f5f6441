package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"escrowd/core/journal"
)

const (
	wsWriteTimeout     = 10 * time.Second
	wsSubscribeBuffer  = 64
	wsBacklogBatchSize = 256
)

// handleEventsWS streams journal entries over a websocket. A numeric cursor
// query parameter replays everything after that sequence before the live
// feed starts; entries arrive in sequence order with no gaps.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := uint64(0)
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
	live, cancel, err := s.node.EventsSubscribe(wsSubscribeBuffer)
	if err != nil {
		return err
	}
	defer cancel()

	// Drain the backlog before touching the live feed. Subscribing first
	// means any entry appended during the replay is waiting in the channel,
	// so the cursor check below is what prevents duplicates.
	lastSent := cursor
	for {
		entries, err := s.node.EventsAfter(lastSent, wsBacklogBatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			if err := writeJournalEntry(ctx, conn, entry); err != nil {
				return err
			}
			lastSent = entry.Sequence
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-live:
			if !ok {
				return nil
			}
			if entry.Sequence <= lastSent {
				continue
			}
			if err := writeJournalEntry(ctx, conn, entry); err != nil {
				return err
			}
			lastSent = entry.Sequence
		}
	}
}

func writeJournalEntry(ctx context.Context, conn *websocket.Conn, entry *journal.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
