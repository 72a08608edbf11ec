package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"patchmgr/api/internal/metrics"
	"patchmgr/api/internal/patch"
	"patchmgr/api/internal/preview"
	"patchmgr/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/patches", s.handleHome).Methods(http.MethodGet)
	api.HandleFunc("/patches", s.handleCreatePatch).Methods(http.MethodPost)
	api.HandleFunc("/patches/{id}", s.handleShowPatch).Methods(http.MethodGet)
	api.HandleFunc("/patches/{id}", s.handleDeletePatch).Methods(http.MethodDelete)
	api.HandleFunc("/patches/{id}/title", s.handleSetTitle).Methods(http.MethodPut)
	api.HandleFunc("/patches/{id}/rename", s.handleRenamePatch).Methods(http.MethodPost)
	api.HandleFunc("/patches/{id}/merge", s.handleMergePatch).Methods(http.MethodPost)
	api.HandleFunc("/patches/{id}/paths", s.handlePaths).Methods(http.MethodGet)
	api.HandleFunc("/patches/{id}/diff", s.handleDiff).Methods(http.MethodGet)
	api.HandleFunc("/patches/{id}/preview", s.handlePreview).Methods(http.MethodPost)
	api.HandleFunc("/patches/{id}/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/patches/{id}/files/{path:.+}", s.handleEditor).Methods(http.MethodGet)
	api.HandleFunc("/patches/{id}/files/{path:.+}", s.handleSaveFile).Methods(http.MethodPut)
	api.HandleFunc("/patches/{id}/files/{path:.+}", s.handleDeleteFile).Methods(http.MethodDelete)
	api.HandleFunc("/baseline/import", s.handleImport).Methods(http.MethodPost)
	api.HandleFunc("/baseline/publish", s.handlePublish).Methods(http.MethodPost)
	api.HandleFunc("/search/reindex", s.handleReindex).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleHome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Home())
}

func (s *HTTPServer) handleCreatePatch(w http.ResponseWriter, r *http.Request) {
	var input CreatePatchInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	p, err := s.service.CreatePatch(r.Context(), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *HTTPServer) handleShowPatch(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.ShowPatch(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("dir"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleDeletePatch(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeletePatch(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSetTitle(w http.ResponseWriter, r *http.Request) {
	var input SetTitleInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	p, err := s.service.SetTitle(r.Context(), mux.Vars(r)["id"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *HTTPServer) handleRenamePatch(w http.ResponseWriter, r *http.Request) {
	var input RenamePatchInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	p, err := s.service.RenamePatch(r.Context(), mux.Vars(r)["id"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *HTTPServer) handleMergePatch(w http.ResponseWriter, r *http.Request) {
	parent, err := s.service.MergePatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, parent)
}

func (s *HTTPServer) handlePaths(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	recursive, _ := strconv.ParseBool(query.Get("recursive"))
	paths, err := s.service.Paths(r.Context(), mux.Vars(r)["id"], query.Get("prefix"), recursive)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request) {
	diffs, err := s.service.Diff(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diffs": diffs})
}

func (s *HTTPServer) handleEditor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	view, err := s.service.Editor(r.Context(), vars["id"], vars["path"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSaveFile(w http.ResponseWriter, r *http.Request) {
	var input SaveFileInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	view, err := s.service.SaveFile(r.Context(), vars["id"], vars["path"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.service.DeleteFile(r.Context(), vars["id"], vars["path"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	var input preview.Request
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	html, err := s.service.Preview(r.Context(), mux.Vars(r)["id"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"html": html})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	resp, err := s.service.Search(r.Context(), search.Query{
		PatchID: mux.Vars(r)["id"],
		Text:    query.Get("q"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request) {
	var input ImportInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	result, err := s.service.ImportBaseline(r.Context(), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	var input PublishInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	commit, err := s.service.Publish(r.Context(), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commit)
}

func (s *HTTPServer) handleReindex(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Reindex(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// fail writes err mapped to a status. Server errors are logged with the
// request id since their message is not sent to the client.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		log.WithError(err).WithField("request_id", requestID).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writeJSON(writer, http.StatusNoContent, map[string]any{})
		} else {
			next.ServeHTTP(writer, r)
		}

		log.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var structural *preview.StructuralError
	if errors.As(err, &structural) {
		return http.StatusUnprocessableEntity, "INVALID_XML", structural.Error(), map[string]any{"path": structural.Path}
	}
	switch {
	case errors.Is(err, patch.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case errors.Is(err, patch.ErrConflict):
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	case errors.Is(err, patch.ErrMergeUnsupported):
		return http.StatusConflict, "MERGE_UNSUPPORTED", err.Error(), nil
	case errors.Is(err, patch.ErrForbidden):
		return http.StatusForbidden, "READ_ONLY", err.Error(), nil
	case errors.Is(err, patch.ErrInvalid):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
