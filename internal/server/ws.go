package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/conversation"
	"github.com/54b3r/kbchat-go/internal/logging"
)

// WebSocket message types.
const (
	wsStartResponse = "startAiResponse"
	wsStopResponse  = "stopAiResponse"
	wsAIResponse    = "aiResponse"
	wsError         = "error"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 2 * time.Minute
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxMessageSize = 64 << 10
)

// wsMessage is the envelope of every WebSocket message in both directions.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsStart is the data of a startAiResponse message.
type wsStart struct {
	ConversationID int64  `json:"conversation_id"`
	UserMessage    string `json:"user_message"`
}

// wsStop is the data of a stopAiResponse message.
type wsStop struct {
	ConversationID int64 `json:"conversation_id"`
}

// wsErrorData is the data of an error message.
type wsErrorData struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// wsOutbound is a server-to-client message.
type wsOutbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// upgrader returns the WebSocket upgrader honouring AllowedOrigins.
func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: 5 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.cfg.AllowedOrigins) == 0 {
				return true
			}
			return slices.Contains(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
}

// handleWebSocket handles GET /api/ws. A connection may run responses for
// several conversations at once but only one per conversation.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logging.FromContext(r.Context()).Warn("ws: upgrade failed", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &wsSession{
		srv:    s,
		conn:   conn,
		userID: userID(r),
		runs:   make(map[int64]*conversation.Run),
		log:    logging.FromContext(ctx),
	}
	sess.log.Info("ws: connected")

	go sess.keepalive(ctx)
	sess.readLoop(ctx)

	cancel()
	sess.wg.Wait()
	_ = conn.Close()
	sess.log.Info("ws: disconnected")
}

// wsSession is one WebSocket connection.
type wsSession struct {
	srv    *Server
	conn   *websocket.Conn
	userID int64
	log    *slog.Logger

	// writeMu serialises writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu   sync.Mutex
	runs map[int64]*conversation.Run

	wg sync.WaitGroup
}

// readLoop dispatches client messages until the connection fails.
func (ws *wsSession) readLoop(ctx context.Context) {
	ws.conn.SetReadLimit(wsMaxMessageSize)
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.log.Debug("ws: read failed", slog.Any("error", err))
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			ws.sendError("malformed message")
			continue
		}
		switch msg.Type {
		case wsStartResponse:
			var in wsStart
			if err := json.Unmarshal(msg.Data, &in); err != nil {
				ws.sendError("malformed startAiResponse data")
				continue
			}
			ws.start(ctx, in)
		case wsStopResponse:
			var in wsStop
			if err := json.Unmarshal(msg.Data, &in); err != nil {
				ws.sendError("malformed stopAiResponse data")
				continue
			}
			ws.stop(in.ConversationID)
		default:
			ws.sendError(fmt.Sprintf("unknown message type: %s", msg.Type))
		}
	}
}

// start begins a response for one conversation and relays it in the
// background.
func (ws *wsSession) start(ctx context.Context, in wsStart) {
	ws.mu.Lock()
	_, busy := ws.runs[in.ConversationID]
	ws.mu.Unlock()
	if busy {
		ws.sendError(fmt.Sprintf("a response is already in progress for conversation %d", in.ConversationID))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, ws.srv.cfg.ChatTimeout)
	run, err := ws.srv.svc.Conversations.StreamResponse(runCtx, in.ConversationID, in.UserMessage, ws.userID)
	if err != nil {
		cancel()
		ws.log.Debug("ws: response not started", slog.Any("error", err))
		ws.sendError(apperr.From(err).PublicMessage())
		return
	}

	ws.mu.Lock()
	ws.runs[in.ConversationID] = run
	ws.mu.Unlock()

	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		defer cancel()
		defer run.Close()
		defer func() {
			ws.mu.Lock()
			delete(ws.runs, in.ConversationID)
			ws.mu.Unlock()
		}()

		finish := ws.srv.metrics.streamStarted("ws")
		out := conversation.Relay(runCtx, run, conversation.SinkFunc(ws.sendFrame), conversation.RelayOptions{SendStart: true})
		finish(string(out.Status))
		ws.srv.finishRun(runCtx, run, out)
	}()
}

// stop stops the conversation's active response, if any.
func (ws *wsSession) stop(convID int64) {
	ws.mu.Lock()
	run, ok := ws.runs[convID]
	ws.mu.Unlock()
	if !ok {
		ws.sendError(fmt.Sprintf("no response in progress for conversation %d", convID))
		return
	}
	ws.log.Info("ws: response stopped by client", slog.Int64("conversation_id", convID))
	run.Stop()
}

// keepalive pings the client until ctx ends.
func (ws *wsSession) keepalive(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (ws *wsSession) sendFrame(f conversation.Frame) error {
	return ws.write(wsOutbound{Type: wsAIResponse, Data: f})
}

func (ws *wsSession) sendError(msg string) {
	data := wsErrorData{Message: msg, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	if err := ws.write(wsOutbound{Type: wsError, Data: data}); err != nil {
		ws.log.Debug("ws: error message not delivered", slog.Any("error", err))
	}
}

func (ws *wsSession) write(v any) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.conn.WriteJSON(v)
}
