package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/dispatch"
	"github.com/mtzanidakis/agora/internal/envelope"
	"github.com/mtzanidakis/agora/internal/orchestrator"
	"github.com/mtzanidakis/agora/internal/store"
	"github.com/mtzanidakis/agora/internal/vault"
	"github.com/mtzanidakis/agora/internal/workflow"
)

func newTestServer(t *testing.T, cfg config.WebConfig) (*Server, *store.Store) {
	t.Helper()

	st, err := store.New(t.TempDir() + "/agora.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	g := workflow.NewGraph("echo").
		AddNode(workflow.Node{ID: "start", Kind: workflow.NodeStart}).
		AddNode(workflow.Node{ID: "speak", Kind: workflow.NodeAgent, Handler: "echo"}).
		AddNode(workflow.Node{ID: "end", Kind: workflow.NodeEnd}).
		AddEdge(workflow.Edge{From: "start", To: "speak"}).
		AddEdge(workflow.Edge{From: "speak", To: "end"})

	exec := workflow.NewExecutor(g)
	err = exec.RegisterAgent("echo", workflow.AgentHandlerFunc(func(ctx context.Context, wctx *workflow.Context, node workflow.Node) (any, error) {
		text, _ := wctx.Data["text"].(string)
		return envelope.New(envelope.TypeSystem, "echo", "caller",
			envelope.SystemPayload{Event: "echoed", Detail: text})
	}))
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	reg := orchestrator.NewRegistry()
	o, err := orchestrator.New("echo", g, exec, dispatch.NewDispatcher())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := reg.Register(o); err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	return NewServer(st, nil, reg, vault.New("test-passphrase"), cfg, "test"), st
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("response is not a JSON object: %v\n%s", err, w.Body.String())
		}
	}
	return w, out
}

func TestRunWorkflowEndpoint(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{})
	h := s.withMiddleware(s.routes())

	w, out := doJSON(t, h, "POST", "/api/workflows/echo/run", `{"text":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if out["status"] != "completed" {
		t.Errorf("status field = %v", out["status"])
	}
	msg, ok := out["message"].(map[string]any)
	if !ok {
		t.Fatalf("message field = %v", out["message"])
	}
	content, _ := msg["content"].(map[string]any)
	if content["detail"] != "hello" {
		t.Errorf("echoed detail = %v", content["detail"])
	}
}

func TestRunUnknownWorkflowIs404(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{})
	h := s.withMiddleware(s.routes())

	w, _ := doJSON(t, h, "POST", "/api/workflows/nope/run", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMessageEndpoints(t *testing.T) {
	s, st := newTestServer(t, config.WebConfig{})
	h := s.withMiddleware(s.routes())

	msg, err := envelope.New(envelope.TypeUserMessage, "user", "tutor",
		envelope.UserMessagePayload{Text: "explain recursion"},
		envelope.WithMetadata(map[string]string{envelope.MetaRoomID: "cs101"}))
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if _, err := st.SaveMessage(msg); err != nil {
		t.Fatalf("save: %v", err)
	}
	reply, err := msg.Reply(envelope.TypeUserMessage,
		envelope.UserMessagePayload{Text: "a function calling itself"}, "tutor")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if _, err := st.SaveMessage(reply); err != nil {
		t.Fatalf("save reply: %v", err)
	}

	w, out := doJSON(t, h, "GET", "/api/messages/"+msg.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get message status = %d", w.Code)
	}
	if out["sender"] != "user" {
		t.Errorf("sender = %v", out["sender"])
	}

	req := httptest.NewRequest("GET", "/api/messages/"+msg.ID+"/thread", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var thread []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &thread); err != nil {
		t.Fatalf("thread decode: %v", err)
	}
	if len(thread) != 2 {
		t.Errorf("thread length = %d", len(thread))
	}

	req = httptest.NewRequest("GET", "/api/rooms/cs101/messages?limit=10", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var room []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &room); err != nil {
		t.Fatalf("room decode: %v", err)
	}
	if len(room) != 2 {
		t.Errorf("room messages = %d", len(room))
	}

	w, _ = doJSON(t, h, "GET", "/api/messages/unknown-id", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown message status = %d", w.Code)
	}
}

func TestTriggerCRUD(t *testing.T) {
	s, st := newTestServer(t, config.WebConfig{})
	h := s.withMiddleware(s.routes())

	w, out := doJSON(t, h, "POST", "/api/triggers",
		`{"name":"hourly echo","workflow":"echo","schedule":"0 * * * *","input":{"text":"tick"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	id, _ := out["id"].(string)
	if id == "" {
		t.Fatal("missing trigger id")
	}
	if out["next_run_at"] == nil {
		t.Error("active trigger has no next run")
	}

	w, _ = doJSON(t, h, "PUT", "/api/triggers/"+id, `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}
	tr, err := st.GetTrigger(id)
	if err != nil {
		t.Fatalf("get trigger: %v", err)
	}
	if tr.Status != "paused" || tr.NextRunAt != nil {
		t.Errorf("paused trigger = %+v", tr)
	}

	w, _ = doJSON(t, h, "DELETE", "/api/triggers/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	tr, _ = st.GetTrigger(id)
	if tr != nil {
		t.Error("trigger still present after delete")
	}

	w, _ = doJSON(t, h, "POST", "/api/triggers",
		`{"name":"bad","workflow":"echo","schedule":"whenever"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid schedule status = %d", w.Code)
	}
	w, _ = doJSON(t, h, "POST", "/api/triggers",
		`{"name":"bad","workflow":"ghost","schedule":"0 * * * *"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown workflow status = %d", w.Code)
	}
}

func TestSecretsAreStoredEncrypted(t *testing.T) {
	s, st := newTestServer(t, config.WebConfig{})
	h := s.withMiddleware(s.routes())

	w, _ := doJSON(t, h, "POST", "/api/secrets", `{"name":"reviewer-token","value":"hunter2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create secret status = %d: %s", w.Code, w.Body.String())
	}

	sec, err := st.GetWebhookSecret("reviewer-token")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if sec == nil {
		t.Fatal("secret not persisted")
	}
	if string(sec.Value) == "hunter2" {
		t.Error("secret stored in plaintext")
	}
	plain, err := vault.New("test-passphrase").DecryptString(sec.Value, sec.Nonce)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "hunter2" {
		t.Errorf("decrypted = %q", plain)
	}

	w, _ = doJSON(t, h, "DELETE", "/api/secrets/reviewer-token", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete secret status = %d", w.Code)
	}
}

func TestAuthGuardsAPIRoutes(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{Auth: "letmein"})
	h := s.withMiddleware(s.routes())

	w, _ := doJSON(t, h, "GET", "/api/workflows", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/workflows", nil)
	req.SetBasicAuth("api", "letmein")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("basic auth status = %d", rec.Code)
	}

	// Login establishes a session cookie that passes the guard
	w, _ = doJSON(t, h, "POST", "/api/login", `{"password":"letmein"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d", w.Code)
	}
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login set no session cookie")
	}

	req = httptest.NewRequest("GET", "/api/workflows", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("session auth status = %d", rec.Code)
	}
}
