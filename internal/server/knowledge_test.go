package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/54b3r/kbchat-go/internal/knowledge"
	"github.com/54b3r/kbchat-go/internal/store"
)

func TestKnowledge_CreateAndGet(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	k := e.createKnowledge(t, "user-1", "Handbook", false)
	if k.ID == 0 || k.OwnerID != 1 || k.Name != "Handbook" {
		t.Fatalf("created = %+v", k)
	}

	var d knowledge.Detail
	decode(t, e.do(t, http.MethodGet, fmt.Sprintf("/api/knowledge/%d", k.ID), "user-1", nil), http.StatusOK, &d)
	if !d.IsOwner || d.Name != "Handbook" {
		t.Errorf("detail = %+v, want owner view of Handbook", d)
	}

	var personal []store.Knowledge
	decode(t, e.do(t, http.MethodGet, "/api/knowledge/personal", "user-1", nil), http.StatusOK, &personal)
	if len(personal) != 1 || personal[0].ID != k.ID {
		t.Errorf("personal = %+v, want [%d]", personal, k.ID)
	}
}

func TestKnowledge_CreateValidation(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	env := decode(t, e.do(t, http.MethodPost, "/api/knowledge", "user-1", map[string]any{"name": "  "}), http.StatusBadRequest, nil)
	if env.Code != 10003 {
		t.Errorf("code = %d, want 10003", env.Code)
	}
}

func TestKnowledge_PrivateIsHidden(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	k := e.createKnowledge(t, "user-1", "Private", false)

	env := decode(t, e.do(t, http.MethodGet, fmt.Sprintf("/api/knowledge/%d", k.ID), "user-2", nil), http.StatusForbidden, nil)
	if env.Code != 30002 {
		t.Errorf("code = %d, want 30002", env.Code)
	}
	env = decode(t, e.do(t, http.MethodGet, "/api/knowledge/999", "user-1", nil), http.StatusNotFound, nil)
	if env.Code != 30001 {
		t.Errorf("code = %d, want 30001", env.Code)
	}
}

func TestKnowledge_SharedMembership(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	k := e.createKnowledge(t, "user-1", "Team notes", true)
	base := fmt.Sprintf("/api/knowledge/%d", k.ID)

	var list knowledge.ListResult
	decode(t, e.do(t, http.MethodGet, "/api/knowledge?name=team&page=1&page_size=10", "user-2", nil), http.StatusOK, &list)
	if len(list.Items) != 1 || list.Pagination.Total != 1 {
		t.Fatalf("shared list = %+v, want one match", list)
	}

	decode(t, e.do(t, http.MethodPost, base+"/join", "user-2", nil), http.StatusOK, nil)
	env := decode(t, e.do(t, http.MethodPost, base+"/join", "user-2", nil), http.StatusConflict, nil)
	if env.Code != 30004 {
		t.Errorf("second join code = %d, want 30004", env.Code)
	}

	var joined []store.Knowledge
	decode(t, e.do(t, http.MethodGet, "/api/knowledge/joined", "user-2", nil), http.StatusOK, &joined)
	if len(joined) != 1 || joined[0].ID != k.ID {
		t.Errorf("joined = %+v, want [%d]", joined, k.ID)
	}

	env = decode(t, e.do(t, http.MethodPost, base+"/leave", "user-1", nil), http.StatusBadRequest, nil)
	if env.Code != 30005 {
		t.Errorf("owner leave code = %d, want 30005", env.Code)
	}
	decode(t, e.do(t, http.MethodPost, base+"/leave", "user-2", nil), http.StatusOK, nil)

	// Only the owner may delete.
	decode(t, e.do(t, http.MethodDelete, base, "user-2", nil), http.StatusForbidden, nil)
	decode(t, e.do(t, http.MethodDelete, base, "user-1", nil), http.StatusOK, nil)
	decode(t, e.do(t, http.MethodGet, base, "user-1", nil), http.StatusNotFound, nil)
}
