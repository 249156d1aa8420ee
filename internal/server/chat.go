package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/54b3r/kbchat-go/internal/conversation"
	"github.com/54b3r/kbchat-go/internal/logging"
)

// handleChatStream handles POST /api/chat/stream. The assistant reply is
// streamed as Server-Sent Events, one JSON frame per event:
//
//	data: {"type":"token","content":"...","timestamp":"..."}
//
// The stream ends with exactly one done, error or stopped frame. Closing
// the connection stops the response. Failures before the first frame are
// returned as an ordinary JSON error envelope.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	run, err := s.svc.Conversations.StreamResponse(ctx, req.ConversationID, req.Content, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer run.Close()

	rc := http.NewResponseController(w)
	// The server WriteTimeout would cut long responses short.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	finish := s.metrics.streamStarted("sse")
	out := conversation.Relay(ctx, run, &sseSink{w: w, rc: rc}, conversation.RelayOptions{})
	finish(string(out.Status))

	s.finishRun(ctx, run, out)
}

// finishRun persists a relayed response when autosave is on.
func (s *Server) finishRun(ctx context.Context, run *conversation.Run, out conversation.Outcome) {
	if !s.cfg.StreamAutosave {
		return
	}
	if err := s.svc.Conversations.SaveOutcome(ctx, run.ConversationID, out); err != nil {
		logging.FromContext(ctx).Error("chat: could not save assistant message",
			slog.Int64("conversation_id", run.ConversationID),
			slog.Any("error", err),
		)
	}
}

// sseSink writes frames as Server-Sent Events, flushing after each one.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// Send implements conversation.Sink.
func (s *sseSink) Send(f conversation.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	return s.rc.Flush()
}
