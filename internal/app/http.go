package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"smartchapter/manager/internal/integrity"
	"smartchapter/manager/internal/logger"

	"github.com/google/uuid"
)

// HTTPServer is the local JSON surface an external editor talks to.
type HTTPServer struct {
	service    *Service
	log        *logger.Logger
	corsOrigin string
}

func NewHTTPServer(service *Service, log *logger.Logger, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, log: logger.OrNop(log), corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

type createChapterRequest struct {
	Group string `json:"group"`
	Name  string `json:"name"`
}

type sessionDateRequest struct {
	Date string `json:"date"`
}

type integrityRequest struct {
	FixDuplicates     bool `json:"fixDuplicates"`
	ConfirmDuplicates bool `json:"confirmDuplicates"`
	FixGroupMismatch  bool `json:"fixGroupMismatch"`
	Reorganize        bool `json:"reorganize"`
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"notifications": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["notifications"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/chapters" {
		tree, err := s.service.Tree()
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": tree})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chapters" {
		var body createChapterRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Group) == "" || strings.TrimSpace(body.Name) == "" {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "group and name are required", nil)
			return
		}
		view, err := s.service.Create(r.Context(), body.Group, body.Name, author(r))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/save-all" {
		result, err := s.service.SaveAll(r.Context(), author(r), nil)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/integrity" {
		var body integrityRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		report, err := s.service.RunConsistencyCheck(r.Context(), integrity.Options{
			FixDuplicates:     body.FixDuplicates,
			ConfirmDuplicates: body.ConfirmDuplicates,
			FixGroupMismatch:  body.FixGroupMismatch,
			Reorganize:        body.Reorganize,
		}, nil)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "chapters" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	id := parts[2]

	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		view, err := s.service.Get(id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case len(parts) == 3 && r.Method == http.MethodPut:
		var patch ChapterPatch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		view, err := s.service.Update(id, patch)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		if err := s.service.Delete(r.Context(), id); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	case len(parts) == 4 && parts[3] == "save" && r.Method == http.MethodPost:
		result, err := s.service.Save(r.Context(), id, author(r))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case len(parts) == 4 && parts[3] == "changed" && r.Method == http.MethodGet:
		changed, err := s.service.HasChanged(id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "changed": changed})
	case len(parts) == 4 && parts[3] == "session-dates" && (r.Method == http.MethodPost || r.Method == http.MethodDelete):
		var body sessionDateRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		var (
			applied bool
			err     error
		)
		if r.Method == http.MethodPost {
			applied, err = s.service.AddSessionDate(id, body.Date)
		} else {
			applied, err = s.service.RemoveSessionDate(id, body.Date)
		}
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "applied": applied})
	case len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodGet:
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer", nil)
				return
			}
			limit = parsed
		}
		revisions, err := s.service.History(id, limit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "revisions": revisions})
	case len(parts) == 5 && parts[3] == "history" && r.Method == http.MethodGet:
		content, err := s.service.RevisionContent(id, parts[4])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", reqID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Author, X-Request-ID")
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
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// author is the name recorded in the revision journal for a write.
func author(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Author"))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
