package server

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/extractor"
	"github.com/54b3r/kbchat-go/internal/knowledge"
	"github.com/54b3r/kbchat-go/internal/store"
)

// upload posts a multipart upload as the token's user.
func (e *testEnv) upload(t *testing.T, token string, kbID int64, fileName, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("knowledge_id", strconv.FormatInt(kbID, 10))
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = fw.Write([]byte(content))
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestFiles_UploadListServe(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	k := e.createKnowledge(t, "user-1", "Docs", false)

	var res knowledge.UploadResult
	decode(t, e.upload(t, "user-1", k.ID, "notes.txt", "hello notes", map[string]string{"metadata": `{"team":"infra"}`}), http.StatusOK, &res)
	if res.File.ID == 0 || res.File.Status != store.FileIndexed || res.File.ChunkCount != 2 {
		t.Fatalf("uploaded file = %+v, want indexed with 2 chunks", res.File)
	}
	if res.File.Name != "notes.txt" || res.File.FileType != "TXT" {
		t.Errorf("name/type = %q/%q", res.File.Name, res.File.FileType)
	}

	var list knowledge.FileList
	decode(t, e.do(t, http.MethodGet, fmt.Sprintf("/api/files?knowledge_id=%d", k.ID), "user-1", nil), http.StatusOK, &list)
	if len(list.Files) != 1 || list.Pagination.Total != 1 {
		t.Fatalf("list = %+v, want one file", list)
	}

	w := e.do(t, http.MethodGet, "/"+strings.TrimPrefix(res.File.FileURL, "/"), "", nil)
	if w.Code != http.StatusOK || w.Body.String() != "hello notes" {
		t.Errorf("static = %d %q, want the uploaded bytes", w.Code, w.Body.String())
	}
}

func TestFiles_UploadFileNameOverride(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	k := e.createKnowledge(t, "user-1", "Docs", false)

	var res knowledge.UploadResult
	decode(t, e.upload(t, "user-1", k.ID, "blob.bin", "# Title", map[string]string{"file_name": "guide.md"}), http.StatusOK, &res)
	if res.File.Name != "guide.md" {
		t.Errorf("name = %q, want guide.md", res.File.Name)
	}
}

func TestFiles_UploadRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		token      string
		fileName   string
		fields     map[string]string
		wantStatus int
		wantCode   int
	}{
		{name: "unsupported format", token: "user-1", fileName: "tool.exe", wantStatus: http.StatusUnsupportedMediaType, wantCode: 40002},
		{name: "no access", token: "user-2", fileName: "a.txt", wantStatus: http.StatusForbidden, wantCode: 30002},
		{name: "bad metadata", token: "user-1", fileName: "a.txt", fields: map[string]string{"metadata": "[1,2"}, wantStatus: http.StatusBadRequest, wantCode: 10003},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEnv(t)
			k := e.createKnowledge(t, "user-1", "Docs", false)

			env := decode(t, e.upload(t, tc.token, k.ID, tc.fileName, "content", tc.fields), tc.wantStatus, nil)
			if env.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", env.Code, tc.wantCode)
			}
		})
	}
}

func TestFiles_IngestFailureKeepsRecord(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	k := e.createKnowledge(t, "user-1", "Docs", false)
	e.idx.ingestErr = apperr.New(apperr.KindEmptyContent, "")

	var res knowledge.UploadResult
	env := decode(t, e.upload(t, "user-1", k.ID, "empty.txt", " ", nil), http.StatusUnprocessableEntity, &res)
	if env.Code != 40003 {
		t.Errorf("code = %d, want 40003", env.Code)
	}
	if res.File.ID == 0 || res.File.Status != store.FileFailed {
		t.Fatalf("file = %+v, want a failed record", res.File)
	}

	// A retry after the cause is fixed indexes the kept bytes.
	e.idx.mu.Lock()
	e.idx.ingestErr = nil
	e.idx.mu.Unlock()
	var again knowledge.UploadResult
	decode(t, e.do(t, http.MethodPost, fmt.Sprintf("/api/files/%d/reindex", res.File.ID), "user-1", nil), http.StatusOK, &again)
	if again.File.Status != store.FileIndexed {
		t.Errorf("reindexed status = %q, want indexed", again.File.Status)
	}
}

func TestFiles_SearchTypeDelete(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	k := e.createKnowledge(t, "user-1", "Docs", false)
	var a knowledge.UploadResult
	decode(t, e.upload(t, "user-1", k.ID, "Alpha-report.txt", "a", nil), http.StatusOK, &a)
	decode(t, e.upload(t, "user-1", k.ID, "beta.md", "b", nil), http.StatusOK, nil)

	var found knowledge.FileList
	decode(t, e.do(t, http.MethodGet, fmt.Sprintf("/api/files/search?knowledge_id=%d&filename=alpha", k.ID), "user-1", nil), http.StatusOK, &found)
	if len(found.Files) != 1 || found.SearchTerm != "alpha" {
		t.Fatalf("search = %+v, want one match for alpha", found)
	}
	decode(t, e.do(t, http.MethodGet, fmt.Sprintf("/api/files/search?knowledge_id=%d", k.ID), "user-1", nil), http.StatusBadRequest, nil)

	var info extractor.TypeInfo
	decode(t, e.do(t, http.MethodGet, "/api/files/type?path=docs/Guide.PDF", "user-1", nil), http.StatusOK, &info)
	if info.Type != "pdf" || info.Extension != ".pdf" {
		t.Errorf("type info = %+v, want pdf", info)
	}

	decode(t, e.do(t, http.MethodDelete, fmt.Sprintf("/api/files/%d", a.File.ID), "user-1", nil), http.StatusOK, nil)
	var list knowledge.FileList
	decode(t, e.do(t, http.MethodGet, fmt.Sprintf("/api/files?knowledge_id=%d", k.ID), "user-1", nil), http.StatusOK, &list)
	if len(list.Files) != 1 || list.Files[0].Name != "beta.md" {
		t.Errorf("after delete = %+v, want only beta.md", list.Files)
	}
	w := e.do(t, http.MethodGet, "/"+a.File.FileURL, "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("static after delete = %d, want 404", w.Code)
	}
}

func TestFiles_StaticRejectsEscape(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/static/..%2f..%2fetc/passwd", "", nil)
	if w.Code == http.StatusOK {
		t.Errorf("escape attempt served with 200")
	}
}

func TestFiles_UploadRateLimitedPerUser(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(c *Config) {
		c.UploadRateLimit = 0.001
		c.UploadRateBurst = 1
	})
	k := e.createKnowledge(t, "user-1", "Docs", false)

	decode(t, e.upload(t, "user-1", k.ID, "a.txt", "a", nil), http.StatusOK, nil)
	decode(t, e.upload(t, "user-1", k.ID, "b.txt", "b", nil), http.StatusTooManyRequests, nil)
	// user-2 has a bucket of its own and reaches the access check.
	decode(t, e.upload(t, "user-2", k.ID, "c.txt", "c", nil), http.StatusForbidden, nil)
	// Chat routes draw on a separate budget.
	e.createConversation(t, "user-1")
}
