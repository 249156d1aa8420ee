package server

import (
	"net/http"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/conversation"
)

// handleConversationCreate handles POST /api/conversations. A first_message
// is answered synchronously; if the model fails the created conversation is
// returned with the error.
func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var in conversation.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := s.svc.Conversations.Create(r.Context(), userID(r), in)
	if err != nil {
		if created.Conversation.ID != 0 {
			writeErrorData(w, r, err, created)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, created)
}

// handleConversationList handles GET /api/conversations?type=&knowledge_id=&page=&limit=.
func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Conversations.List(r.Context(), userID(r), conversation.ListInput{
		Type:        r.URL.Query().Get("type"),
		KnowledgeID: int64(queryInt(r, "knowledge_id")),
		Page:        queryInt(r, "page"),
		Limit:       queryInt(r, "limit"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// handleConversationCurrent handles GET /api/conversations/current?type=&knowledge_id=.
func (s *Server) handleConversationCurrent(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	if typ == "" {
		typ = conversation.TypeGlobal
	}
	d, err := s.svc.Conversations.Current(r.Context(), userID(r), typ, int64(queryInt(r, "knowledge_id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, d)
}

// handleConversationGet handles GET /api/conversations/{id}.
func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.svc.Conversations.Detail(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, d)
}

// handleConversationDelete handles DELETE /api/conversations/{id}.
func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.Conversations.Delete(r.Context(), userID(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]int64{"id": id})
}

// handleMessageSend handles POST /api/conversations/messages: a user
// message answered synchronously.
func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ConversationID <= 0 {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "conversation_id is required"))
		return
	}
	msgs, err := s.svc.Conversations.Send(r.Context(), userID(r), req.ConversationID, req.Content)
	if err != nil {
		if len(msgs) > 0 {
			writeErrorData(w, r, err, msgs)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, msgs)
}

// handleAssistantMessage handles POST /api/conversations/{id}/assistant-message,
// used by clients to persist a streamed reply when server-side autosave is
// off. is_success defaults to true.
func (s *Server) handleAssistantMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req assistantMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Content == nil {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "content is required"))
		return
	}
	if _, err := s.svc.Conversations.Authorize(r.Context(), userID(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	success := true
	if req.IsSuccess != nil {
		success = *req.IsSuccess
	}
	msg, err := s.svc.Conversations.SaveAssistantMessage(r.Context(), id, *req.Content, success)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, msg)
}

// handleMessageDelete handles DELETE /api/messages/{id}.
func (s *Server) handleMessageDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.Conversations.DeleteMessage(r.Context(), userID(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]int64{"id": id})
}
