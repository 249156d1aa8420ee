package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/54b3r/kbchat-go/internal/knowledge"
)

// handleKnowledgeCreate handles POST /api/knowledge.
func (s *Server) handleKnowledgeCreate(w http.ResponseWriter, r *http.Request) {
	var in knowledge.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	k, err := s.svc.Knowledge.Create(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, k)
}

// handleKnowledgeList handles GET /api/knowledge?name=&owner_id=&page=&page_size=.
// It lists shared knowledge bases.
func (s *Server) handleKnowledgeList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner, _ := strconv.ParseInt(q.Get("owner_id"), 10, 64)
	res, err := s.svc.Knowledge.ListShared(r.Context(), knowledge.ListInput{
		Name:     q.Get("name"),
		OwnerID:  owner,
		Page:     queryInt(r, "page"),
		PageSize: queryInt(r, "page_size"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// handleKnowledgePersonal handles GET /api/knowledge/personal.
func (s *Server) handleKnowledgePersonal(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Knowledge.Personal(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, list)
}

// handleKnowledgeJoined handles GET /api/knowledge/joined.
func (s *Server) handleKnowledgeJoined(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Knowledge.Joined(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, list)
}

// handleKnowledgeGet handles GET /api/knowledge/{id}.
func (s *Server) handleKnowledgeGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.svc.Knowledge.Get(r.Context(), id, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, d)
}

// handleKnowledgeJoin handles POST /api/knowledge/{id}/join.
func (s *Server) handleKnowledgeJoin(w http.ResponseWriter, r *http.Request) {
	s.knowledgeAction(w, r, s.svc.Knowledge.Join)
}

// handleKnowledgeLeave handles POST /api/knowledge/{id}/leave.
func (s *Server) handleKnowledgeLeave(w http.ResponseWriter, r *http.Request) {
	s.knowledgeAction(w, r, s.svc.Knowledge.Leave)
}

// handleKnowledgeDelete handles DELETE /api/knowledge/{id}.
func (s *Server) handleKnowledgeDelete(w http.ResponseWriter, r *http.Request) {
	s.knowledgeAction(w, r, s.svc.Knowledge.Delete)
}

// knowledgeAction runs a membership or lifecycle operation on the {id}
// knowledge base and answers with its id.
func (s *Server) knowledgeAction(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, userID int64) error) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := op(r.Context(), id, userID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]int64{"id": id})
}
