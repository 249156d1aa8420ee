package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/knowledge"
)

// multipartMemory is how much of a multipart form is buffered in memory
// before spilling to temporary files.
const multipartMemory = 8 << 20

// multipartOverhead is allowance for form fields and boundaries on top of
// the file size limit.
const multipartOverhead = 1 << 20

// handleFileUpload handles POST /api/files as multipart/form-data with
// fields knowledge_id, file, an optional file_name (defaults to the uploaded
// name) and an optional metadata JSON object.
//
// When ingestion fails after the record is created the response carries
// the ingestion error with the failed record as data, so the client can
// offer a reindex.
func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperr.New(apperr.KindInvalidArgument, "file exceeds the upload size limit"))
			return
		}
		writeError(w, r, apperr.Wrap(apperr.KindInvalidArgument, err, "invalid multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	kbID, err := parseID(r.FormValue("knowledge_id"), "knowledge_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindInvalidArgument, err, "file is required"))
		return
	}
	defer f.Close()

	name := strings.TrimSpace(r.FormValue("file_name"))
	if name == "" {
		name = hdr.Filename
	}
	var meta map[string]any
	if raw := strings.TrimSpace(r.FormValue("metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			writeError(w, r, apperr.Wrap(apperr.KindInvalidArgument, err, "metadata must be a JSON object"))
			return
		}
	}

	res, err := s.svc.Knowledge.Upload(r.Context(), userID(r), knowledge.UploadInput{
		KnowledgeID: kbID,
		FileName:    name,
		Body:        f,
		Metadata:    meta,
	})
	if err != nil {
		if res.File.ID != 0 {
			writeErrorData(w, r, err, res)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// handleFileReindex handles POST /api/files/{id}/reindex.
func (s *Server) handleFileReindex(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.svc.Knowledge.Reindex(r.Context(), userID(r), id)
	if err != nil {
		if res.File.ID != 0 {
			writeErrorData(w, r, err, res)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// handleFileList handles GET /api/files?knowledge_id=&page=&limit=.
func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	s.listFiles(w, r, "")
}

// handleFileSearch handles GET /api/files/search?knowledge_id=&filename=.
func (s *Server) handleFileSearch(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("filename"))
	if name == "" {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "filename is required"))
		return
	}
	s.listFiles(w, r, name)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request, name string) {
	kbID, err := queryID(r, "knowledge_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.svc.Knowledge.ListFiles(r.Context(), userID(r), kbID, name, queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, list)
}

// handleFileType handles GET /api/files/type?path=.
func (s *Server) handleFileType(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimSpace(r.URL.Query().Get("path"))
	if p == "" {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "path is required"))
		return
	}
	writeJSON(w, s.svc.Knowledge.FileTypeInfo(p))
}

// handleFileDelete handles DELETE /api/files/{id}.
func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.Knowledge.DeleteFile(r.Context(), userID(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]int64{"id": id})
}

// handleStatic handles GET /static/{path...}, serving uploaded bytes.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Files.Resolve(r.PathValue("path"))
	if err != nil || !s.svc.Files.Exists(p) {
		writeError(w, r, apperr.New(apperr.KindFileNotFound, ""))
		return
	}
	http.ServeFile(w, r, p)
}
