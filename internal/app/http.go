package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tandem/api/internal/search"
	"tandem/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	rooms      http.Handler
	corsOrigin string
}

// NewHTTPServer wires the API routes. rooms handles the websocket upgrade for
// /ws/room and may be nil when the node serves no rooms.
func NewHTTPServer(service *Service, rooms http.Handler, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, rooms: rooms, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if r.URL.Path == "/ws/room" {
		if s.rooms == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Rooms are not served by this node", nil)
			return
		}
		s.rooms.ServeHTTP(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":     false,
				"status": "not_ready",
				"checks": map[string]any{"database": map[string]any{"status": "error", "error": err.Error()}},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":     true,
			"status": "ready",
			"checks": map[string]any{"database": map[string]any{"status": "ok"}},
		})
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/pages and /api/pages/{path...}
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "pages" {
		if len(parts) == 2 {
			if r.Method == http.MethodGet {
				s.handleListPages(w, r)
				return
			}
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		pagePath := strings.Join(parts[2:], "/")
		switch r.Method {
		case http.MethodGet:
			s.handleGetPage(w, r, pagePath)
		case http.MethodPut:
			s.handleUpdatePage(w, r, pagePath)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	// /api/history/{path...}
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "history" && r.Method == http.MethodGet {
		s.handleHistory(w, r, strings.Join(parts[2:], "/"))
		return
	}

	// /api/editing and /api/editing/{path...}
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "editing" {
		if len(parts) == 2 && r.Method == http.MethodPost {
			s.handleSetEditing(w, r)
			return
		}
		if len(parts) >= 3 && r.Method == http.MethodGet {
			s.handleEditors(w, r, strings.Join(parts[2:], "/"))
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	// /api/threads, /api/threads/{name}/merge
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "threads" {
		switch {
		case len(parts) == 2 && r.Method == http.MethodPost:
			s.handleCreateThread(w, r)
		case len(parts) == 2 && r.Method == http.MethodGet:
			s.handleListThreads(w, r)
		case len(parts) == 4 && parts[3] == "merge" && r.Method == http.MethodPost:
			s.handleMergeThread(w, r, parts[2])
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "search" && r.Method == http.MethodGet {
		s.handleSearch(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleListPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.service.ListPages(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(pages))
	for _, page := range pages {
		items = append(items, map[string]any{
			"path":      page.Path,
			"kind":      page.Kind,
			"updatedBy": page.UpdatedBy,
			"updatedAt": page.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": items})
}

func (s *HTTPServer) handleGetPage(w http.ResponseWriter, r *http.Request, path string) {
	page, err := s.service.GetPage(r.Context(), r.URL.Query().Get("thread"), path)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleUpdatePage(w http.ResponseWriter, r *http.Request, path string) {
	var body struct {
		Content string `json:"content"`
		Author  string `json:"author"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	page, err := s.service.UpdatePage(r.Context(), r.URL.Query().Get("thread"), path, body.Content, body.Author)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, path string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.service.History(r.Context(), r.URL.Query().Get("thread"), path, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": items})
}

func (s *HTTPServer) handleSetEditing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path        string `json:"path"`
		Participant string `json:"participant"`
		Editing     bool   `json:"editing"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SetEditing(r.Context(), body.Path, body.Participant, body.Editing); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleEditors(w http.ResponseWriter, r *http.Request, path string) {
	editors, err := s.service.Editors(r.Context(), path)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "editors": editors})
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		CreatedBy string `json:"createdBy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	thread, err := s.service.CreateThread(r.Context(), body.Name, body.CreatedBy)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, threadPayload(thread))
}

func (s *HTTPServer) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.service.ListThreads(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(threads))
	for _, thread := range threads {
		items = append(items, threadPayload(thread))
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": items})
}

func (s *HTTPServer) handleMergeThread(w http.ResponseWriter, r *http.Request, name string) {
	var body struct {
		Author string `json:"author"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.MergeThread(r.Context(), name, body.Author)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	resp := s.service.Search(r.Context(), searchQuery(
		r.URL.Query().Get("q"),
		r.URL.Query().Get("kind"),
		limit,
		offset,
	))
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	var dom *DomainError
	if errors.As(err, &dom) {
		writeError(w, dom.Status, dom.Code, dom.Message, dom.Details)
		return
	}
	log.Printf("app: internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal error", nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		// Websocket upgrades hijack the connection; their status is logged
		// by the hub instead.
		if r.URL.Path == "/ws/room" {
			return
		}
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(h http.Header, origin string) {
	if origin == "" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
}

func randomRequestID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func searchQuery(text, kind string, limit, offset int) search.Query {
	return search.Query{Text: text, Kind: kind, Limit: limit, Offset: offset}
}

func threadPayload(thread store.Thread) map[string]any {
	payload := map[string]any{
		"id":        thread.ID,
		"name":      thread.Name,
		"status":    thread.Status,
		"createdBy": thread.CreatedBy,
		"createdAt": thread.CreatedAt,
	}
	if thread.MergedAt != nil {
		payload["mergedAt"] = thread.MergedAt
	}
	return payload
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
