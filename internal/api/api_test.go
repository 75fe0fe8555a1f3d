package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/backend/memory"
	"github.com/connexa/chatsync/internal/bus"
	"github.com/connexa/chatsync/internal/config"
	"github.com/connexa/chatsync/internal/daemon"
	"github.com/connexa/chatsync/internal/identity"
	"github.com/connexa/chatsync/internal/status"
	"github.com/connexa/chatsync/internal/store"
)

const testSecret = "test-secret"

type fixture struct {
	srv     *httptest.Server
	core    *daemon.Core
	db      *store.DB
	machine *status.Machine
	be      *memory.Backend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.EnsureSearchIndex(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.TokenSecret = testSecret
	cfg.Send.BackoffMs = 1
	cfg.Send.MaxBackoffMs = 4

	be := memory.New()
	b := bus.NewBus()
	machine := status.NewMachine(b)
	ident := identity.NewProvider(testSecret, b, nil)
	core := daemon.NewCore(cfg, db, be, ident, nil, b, machine, zap.NewNop())
	if err := machine.Transition(status.AuthRequired); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(NewServer(core, db, b, "main", zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { core.SignOut(context.Background()) })

	return &fixture{srv: srv, core: core, db: db, machine: machine, be: be}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func signIn(t *testing.T, f *fixture, user string) {
	t.Helper()
	token, err := identity.Issue([]byte(testSecret), user, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	resp := f.post(t, "/v1/session/signin", map[string]string{"token": token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signin status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func waitStatus(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for m.Current() != want {
		select {
		case <-deadline:
			t.Fatalf("status = %s, want %s", m.Current(), want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSessionEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/v1/session")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[sessionResponse](t, resp)
	if body.Session != "main" || body.Status != "AUTH_REQUIRED" || body.User != "" {
		t.Errorf("session = %+v, want main/AUTH_REQUIRED and no user", body)
	}

	signIn(t, f, "alice")
	body = decode[sessionResponse](t, f.get(t, "/v1/session"))
	if body.User != "alice" {
		t.Errorf("user = %q, want alice", body.User)
	}
}

func TestSignOutOverAPI(t *testing.T) {
	f := newFixture(t)
	signIn(t, f, "alice")
	waitStatus(t, f.machine, status.Ready)

	resp := f.post(t, "/v1/session/signout", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("signout status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	if f.machine.Current() != status.AuthRequired {
		t.Errorf("status = %s, want AUTH_REQUIRED", f.machine.Current())
	}
}

func TestSignInRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/v1/session/signin", map[string]string{"token": "garbage"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestConversationsRequireSignIn(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/v1/conversations")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestConversationAndSendFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	signIn(t, f, "alice")
	waitStatus(t, f.machine, status.Ready)

	created := decode[map[string]string](t, f.post(t, "/v1/conversations", map[string]string{"peer": "bob"}))
	convID := created["conversation_id"]
	if convID == "" {
		t.Fatal("conversation_id missing")
	}

	resp := f.post(t, "/v1/conversations/"+convID+"/messages", map[string]string{
		"kind": "text", "text": "hello bob",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	sent := decode[map[string]string](t, resp)
	msgID := sent["msg_id"]

	// The outbox delivers asynchronously; wait for the document.
	deadline := time.After(10 * time.Second)
	for {
		if _, err := f.be.Get(ctx, "chats/"+convID+"/messages/"+msgID); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message never reached the backend")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// The synced message shows up in the paginated listing.
	type listResponse struct {
		Messages []messageRow `json:"messages"`
		HasMore  bool         `json:"has_more"`
	}
	deadline = time.After(10 * time.Second)
	for {
		body := decode[listResponse](t, f.get(t, "/v1/conversations/"+convID+"/messages"))
		if len(body.Messages) == 1 && body.Messages[0].Body == "hello bob" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message never reached the cache listing")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if resp := f.post(t, "/v1/conversations/"+convID+"/viewed", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("viewed status = %d", resp.StatusCode)
	}
	if resp := f.post(t, "/v1/conversations/"+convID+"/typing", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("typing status = %d", resp.StatusCode)
	}

	rows := decode[map[string][]conversationRow](t, f.get(t, "/v1/conversations"))
	if len(rows["conversations"]) != 1 || rows["conversations"][0].Other != "bob" {
		t.Errorf("conversations = %+v, want one with bob", rows["conversations"])
	}
}

func TestSendRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)
	signIn(t, f, "alice")
	waitStatus(t, f.machine, status.Ready)

	resp := f.post(t, "/v1/conversations/c1/messages", map[string]string{"kind": "sticker"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestSearchEndpoint(t *testing.T) {
	f := newFixture(t)
	signIn(t, f, "alice")

	resp := f.get(t, "/v1/messages/search")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing q status = %d, want 400", resp.StatusCode)
	}
	_ = resp.Body.Close()

	if err := f.db.UpsertMessage(&store.Message{
		ConversationID: "c1", MsgID: "m1", Sender: "bob", Kind: "text",
		Body: "hello world", Payload: "{}", CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	resp = f.get(t, "/v1/messages/search?q=hello")
	if !f.db.SearchAvailable() {
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503 without fts5", resp.StatusCode)
		}
		_ = resp.Body.Close()
		return
	}
	body := decode[map[string][]searchRow](t, resp)
	if len(body["results"]) != 1 || body["results"][0].MsgID != "m1" {
		t.Errorf("results = %+v, want m1", body["results"])
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events?prefix=session."
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	signIn(t, f, "alice")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env eventEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Kind != "session.status_changed" || env.Session != "main" {
		t.Errorf("envelope = %+v, want session.status_changed on main", env)
	}
	if env.EventID == "" || env.OccurredAtUnixMs == 0 {
		t.Errorf("envelope missing id or timestamp: %+v", env)
	}
}
