package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/starford/pinnote/internal/models"
	"github.com/starford/pinnote/internal/noteservice"
	"github.com/starford/pinnote/internal/testutil"
)

// testEnv sets up a temp SQLite store, service, and router for testing.
// An empty token means auth is disabled.
func testEnv(t *testing.T, authToken string) (*noteservice.Service, http.Handler) {
	t.Helper()
	return testEnvWithSSE(t, authToken != "", authToken, nil)
}

func testEnvWithSSE(t *testing.T, authEnabled bool, token string, sseHandler http.Handler) (*noteservice.Service, http.Handler) {
	t.Helper()
	svc := testutil.TestService(t, testutil.TestSQLite(t), noteservice.Options{})
	return svc, NewRouter(svc, authEnabled, token, sseHandler)
}

func do(t *testing.T, router http.Handler, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestCreateAndGetNote(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/notes", map[string]any{
		"id":      "hello",
		"content": "Hello world",
		"tags":    []string{"#Greeting"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodGet, "/notes/hello", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	n := decode[models.Note](t, w)
	if n.Content != "Hello world" {
		t.Errorf("content = %q", n.Content)
	}
	if len(n.Tags) != 1 || n.Tags[0] != "greeting" {
		t.Errorf("tags = %v, want [greeting]", n.Tags)
	}
	if n.VisualState != models.DefaultVisualState() {
		t.Errorf("visual state = %+v", n.VisualState)
	}
	if w.Header().Get("ETag") != `"`+strconv.FormatInt(n.LastModified, 10)+`"` {
		t.Errorf("etag = %q", w.Header().Get("ETag"))
	}
}

func TestCreateGeneratesID(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodPost, "/notes", map[string]any{"content": "anonymous"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	if n := decode[models.Note](t, w); n.ID == "" {
		t.Error("no id generated")
	}
}

func TestCreateDuplicate(t *testing.T) {
	_, router := testEnv(t, "")
	body := map[string]any{"id": "dup", "content": "x"}
	do(t, router, http.MethodPost, "/notes", body)
	if w := do(t, router, http.MethodPost, "/notes", body); w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	_, router := testEnv(t, "")
	cases := map[string]map[string]any{
		"path id":      {"id": "../etc"},
		"zero width":   {"visual_state": map[string]any{"width": 0, "height": 10}},
		"invalid json": nil,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var w *httptest.ResponseRecorder
			if body == nil {
				req := httptest.NewRequest(http.MethodPost, "/notes", bytes.NewBufferString("{"))
				w = httptest.NewRecorder()
				router.ServeHTTP(w, req)
			} else {
				w = do(t, router, http.MethodPost, "/notes", body)
			}
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (%s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodPost, "/notes", map[string]any{"id": "n1", "content": "v1"})
	etag := w.Header().Get("ETag")

	w = do(t, router, http.MethodPatch, "/notes/n1", map[string]any{"content": "v2"}, "If-Match", `"1"`)
	if w.Code != http.StatusConflict {
		t.Errorf("stale If-Match = %d, want 409", w.Code)
	}

	w = do(t, router, http.MethodPatch, "/notes/n1", map[string]any{"content": "v2"}, "If-Match", etag)
	if w.Code != http.StatusOK {
		t.Fatalf("matching If-Match = %d, body = %s", w.Code, w.Body.String())
	}
	if n := decode[models.Note](t, w); n.Content != "v2" {
		t.Errorf("content = %q", n.Content)
	}

	w = do(t, router, http.MethodPatch, "/notes/n1", map[string]any{"content": "v3"}, "If-Match", "bogus")
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed If-Match = %d, want 400", w.Code)
	}
}

func TestUpdatePosition(t *testing.T) {
	_, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "n1", "content": "drag me"})

	w := do(t, router, http.MethodPatch, "/notes/n1", map[string]any{"position": map[string]any{"x": 5, "y": 7}})
	if w.Code != http.StatusOK {
		t.Fatalf("patch = %d", w.Code)
	}
	n := decode[models.Note](t, w)
	if n.Position != (models.Position{X: 5, Y: 7}) || n.Content != "drag me" {
		t.Errorf("note = %+v", n)
	}
}

func TestDeleteNote(t *testing.T) {
	_, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "n1", "content": "bye"})

	if w := do(t, router, http.MethodDelete, "/notes/n1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/notes/n1", nil); w.Code != http.StatusGone {
		t.Errorf("get after delete = %d, want 410", w.Code)
	}
	if w := do(t, router, http.MethodPatch, "/notes/n1", map[string]any{"content": "back"}); w.Code != http.StatusGone {
		t.Errorf("patch after delete = %d, want 410", w.Code)
	}
	if w := do(t, router, http.MethodDelete, "/notes/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("delete missing = %d, want 404", w.Code)
	}
}

func TestListNotes(t *testing.T) {
	_, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "blank"})
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "a", "content": "x", "tags": []string{"work"}})
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "b", "content": "y", "tags": []string{"home"}})

	resp := decode[NoteListResponse](t, do(t, router, http.MethodGet, "/notes", nil))
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2 (blank note hidden)", resp.Total)
	}

	resp = decode[NoteListResponse](t, do(t, router, http.MethodGet, "/notes?tag=%23Work", nil))
	if resp.Total != 1 || resp.Notes[0].ID != "a" {
		t.Errorf("tag filter = %+v", resp)
	}
}

func TestSearchEndpoint(t *testing.T) {
	_, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "n1", "content": "Buy groceries for the weekend", "tags": []string{"todo"}})
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "n2", "content": "Meeting notes", "tags": []string{"work"}})
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "n3", "content": "Weekend plans: hiking", "tags": []string{"personal"}})

	resp := decode[SearchResponse](t, do(t, router, http.MethodGet, "/search?q=weekend", nil))
	if len(resp.Results) != 2 {
		t.Fatalf("results = %+v", resp.Results)
	}

	resp = decode[SearchResponse](t, do(t, router, http.MethodGet, "/search?q=todo&content=false", nil))
	if len(resp.Results) != 1 || resp.Results[0].MatchType != "tag" {
		t.Errorf("tag-only search = %+v", resp.Results)
	}

	resp = decode[SearchResponse](t, do(t, router, http.MethodGet, "/search?q=weekend&limit=1", nil))
	if len(resp.Results) != 1 {
		t.Errorf("limit ignored: %d results", len(resp.Results))
	}
}

func TestSearchBlankQuery(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodGet, "/search", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("blank search = %d", w.Code)
	}
	if resp := decode[SearchResponse](t, w); resp.Results == nil || len(resp.Results) != 0 {
		t.Errorf("results = %#v, want empty list", resp.Results)
	}
}

func TestSearchBadParams(t *testing.T) {
	_, router := testEnv(t, "")
	for _, target := range []string{"/search?q=x&case=maybe", "/search?q=x&limit=-1", "/search?q=x&limit=ten"} {
		if w := do(t, router, http.MethodGet, target, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", target, w.Code)
		}
	}
}

func TestReconcileAndStats(t *testing.T) {
	_, router := testEnv(t, "")
	do(t, router, http.MethodPost, "/notes", map[string]any{"id": "n1", "content": "counted"})

	w := do(t, router, http.MethodPost, "/reconcile", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile = %d, body = %s", w.Code, w.Body.String())
	}
	if resp := decode[ReconcileResponse](t, w); resp.Status != "ok" || resp.Stats.Index.Documents != 1 {
		t.Errorf("reconcile response = %+v", resp)
	}

	stats := decode[noteservice.Stats](t, do(t, router, http.MethodGet, "/stats", nil))
	if stats.Notes != 1 || stats.Session != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret")
	if w := do(t, router, http.MethodGet, "/notes", nil, "Authorization", "Bearer secret"); w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret")
	if w := do(t, router, http.MethodGet, "/notes", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret")
	if w := do(t, router, http.MethodGet, "/notes", nil, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestGetNote_NotFound(t *testing.T) {
	_, router := testEnv(t, "")
	if w := do(t, router, http.MethodGet, "/notes/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", w.Code)
	}
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	_, router := testEnvWithSSE(t, true, "secret", sseStub())
	if w := do(t, router, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	_, router := testEnvWithSSE(t, true, "tok", sseStub())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

// sseStub writes headers and blocks until the request context is done.
func sseStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
}
