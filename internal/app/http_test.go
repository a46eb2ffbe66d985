package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tandem/api/internal/gitstore"
	"tandem/api/internal/store"
)

func newTestHTTPServer(t *testing.T) (*HTTPServer, *fakeEditing) {
	t.Helper()
	pages := map[string]string{"guides/setup.md": "# Setup\n"}
	git := &fakeGit{
		getPage: func(branch, path string) (string, gitstore.CommitInfo, error) {
			stored, ok := pages[path]
			if !ok {
				return "", gitstore.CommitInfo{}, gitstore.ErrPageNotFound
			}
			return stored, gitstore.CommitInfo{Hash: "abc1234", Author: "alice"}, nil
		},
		commitPage: func(branch, path, content, author, message string) (gitstore.CommitInfo, error) {
			pages[path] = content
			return gitstore.CommitInfo{Hash: "def5678", Author: author}, nil
		},
	}
	data := &fakeData{
		listPages: func(ctx context.Context) ([]store.Page, error) {
			return []store.Page{{Path: "guides/setup.md", Kind: "text"}}, nil
		},
	}
	editing := newFakeEditing()
	svc := NewService(nil, data, git, editing, &fakeRooms{}, nil)
	return NewHTTPServer(svc, nil, ""), editing
}

func doRequest(t *testing.T, server *HTTPServer, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthRoute(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rec := doRequest(t, server, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetPageNestedPath(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rec := doRequest(t, server, http.MethodGet, "/api/pages/guides/setup.md", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Kind    string `json:"kind"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Path != "guides/setup.md" || payload.Content != "# Setup\n" || payload.Kind != "text" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestGetPageNotFoundRoute(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rec := doRequest(t, server, http.MethodGet, "/api/pages/missing.md", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPutPageRoute(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rec := doRequest(t, server, http.MethodPut, "/api/pages/guides/setup.md",
		`{"content":"# Updated\n","author":"bob"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, http.MethodGet, "/api/pages/guides/setup.md", "")
	if !strings.Contains(rec.Body.String(), "# Updated") {
		t.Fatalf("updated content not visible: %s", rec.Body.String())
	}
}

func TestEditingRoutes(t *testing.T) {
	server, editing := newTestHTTPServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/editing",
		`{"path":"guides/setup.md","participant":"alice","editing":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("enter status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(editing.entered["guides/setup.md"]) != 1 {
		t.Fatalf("editors = %v", editing.entered)
	}

	rec = doRequest(t, server, http.MethodGet, "/api/editing/guides/setup.md", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("editors status = %d", rec.Code)
	}
	var payload struct {
		Editors []string `json:"editors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Editors) != 1 || payload.Editors[0] != "alice" {
		t.Fatalf("editors = %v", payload.Editors)
	}
}

func TestEditingValidation(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rec := doRequest(t, server, http.MethodPost, "/api/editing", `{"path":"","participant":""}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	rec := doRequest(t, server, http.MethodGet, "/api/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
