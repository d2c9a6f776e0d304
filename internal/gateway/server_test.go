package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seralva/booktalk/internal/catalog"
	"github.com/seralva/booktalk/internal/config"
	"github.com/seralva/booktalk/internal/dialogue"
	"github.com/seralva/booktalk/internal/observability"
	"github.com/seralva/booktalk/internal/prompt"
	"github.com/seralva/booktalk/internal/protocol"
	"github.com/seralva/booktalk/internal/provider"
	"github.com/seralva/booktalk/internal/quota"
	"github.com/seralva/booktalk/internal/retrieval"
	"github.com/seralva/booktalk/internal/router"
	"github.com/seralva/booktalk/internal/store"
)

var testMetrics = observability.NewMetrics("booktalk_gateway_test")

type runeCounter struct{}

func (runeCounter) Count(text string) int { return len([]rune(text)) }

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()

	st := store.NewInMemoryStore()

	r := router.New(router.RouterConfig{Usage: st, Metrics: testMetrics})
	r.Register(provider.NewMockAdapter("mock"), router.RolePrimary)

	index := retrieval.NewIndex(retrieval.NewInMemoryStore(), r, 1000, 200)

	cat := catalog.NewStatic()
	cat.Put(catalog.Entry{
		Subject: prompt.Subject{ID: "book-1", Title: "Moby-Dick", RetrievalEnabled: true},
		Characters: []prompt.Subject{
			{ID: "ahab", CharacterName: "Captain Ahab"},
		},
	})

	assembler := prompt.NewAssembler(index, st, runeCounter{}, prompt.Config{})
	orch := dialogue.NewOrchestrator(st, assembler, r, quota.NewInMemory(0), cat, testMetrics, dialogue.Config{
		TurnTimeout: 10 * time.Second,
	})

	cfg := config.Config{AllowAnyOrigin: true}
	srv := New(cfg, orch, r, index, cat, st, DevAuth{}, testMetrics)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func startSession(t *testing.T, ts *httptest.Server, token, subjectID, characterID string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/dialogue/sessions", token,
		map[string]string{"subject_id": subjectID, "character_id": characterID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	json.Unmarshal(body, &out)
	return out.SessionID
}

func TestStartSessionWithFirstMessage(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/dialogue/sessions", "",
		map[string]string{"subject_id": "book-1", "first_message": "who narrates this story?"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var out struct {
		SessionID    string `json:"session_id"`
		MessageCount int    `json:"message_count"`
		Reply        *struct {
			Content string `json:"content"`
		} `json:"reply"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.SessionID == "" {
		t.Fatalf("missing session_id: %s", body)
	}
	if out.Reply == nil || out.Reply.Content == "" {
		t.Fatalf("missing opening reply: %s", body)
	}
	if out.MessageCount != 2 {
		t.Fatalf("message_count = %d, want 2", out.MessageCount)
	}
}

func TestHealthAndReady(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d: %s", resp.StatusCode, body)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts, "alice", "book-1", "")

	// Send a turn.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/dialogue/sessions/"+id+"/messages", "alice",
		map[string]string{"content": "who narrates?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d: %s", resp.StatusCode, body)
	}
	var reply protocol.Response
	json.Unmarshal(body, &reply)
	if reply.Content == "" || reply.MessageID == "" {
		t.Fatalf("reply = %+v", reply)
	}

	// History shows both halves of the turn.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/dialogue/sessions/"+id+"/messages", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var page struct {
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	json.Unmarshal(body, &page)
	if len(page.Messages) != 2 {
		t.Fatalf("history = %d messages", len(page.Messages))
	}

	// End, then further sends conflict.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/dialogue/sessions/"+id+"/end", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/dialogue/sessions/"+id+"/messages", "alice",
		map[string]string{"content": "anyone there?"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("send after end status = %d, want 409", resp.StatusCode)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts, "alice", "book-1", "")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/dialogue/sessions/"+id+"/messages", "mallory",
		map[string]string{"content": "let me in"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("intruder send status = %d, want 403", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/dialogue/sessions/"+id+"/messages", "mallory", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("intruder history status = %d, want 403", resp.StatusCode)
	}
}

func TestUnknownSubjectRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/dialogue/sessions", "alice",
		map[string]string{"subject_id": "no-such-book"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestIndexThenGroundedTurn(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/documents/book-1/index", "alice",
		map[string]any{"sections": []map[string]string{
			{"name": "Chapter 1", "text": "Call me Ishmael. Some years ago I went to sea."},
		}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index status = %d: %s", resp.StatusCode, body)
	}
	var indexed struct {
		Chunks int `json:"chunks"`
	}
	json.Unmarshal(body, &indexed)
	if indexed.Chunks == 0 {
		t.Fatalf("no chunks indexed")
	}

	id := startSession(t, ts, "alice", "book-1", "")
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/dialogue/sessions/"+id+"/messages", "alice",
		map[string]string{"content": "Call me Ishmael went to sea"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d: %s", resp.StatusCode, body)
	}
	var reply protocol.Response
	json.Unmarshal(body, &reply)
	if len(reply.References) == 0 {
		t.Fatalf("grounded turn returned no references")
	}
	if reply.References[0].Section != "Chapter 1" {
		t.Fatalf("reference = %+v", reply.References[0])
	}
}

func TestModelsAndUsageEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts, "alice", "book-1", "")
	doJSON(t, http.MethodPost, ts.URL+"/v1/dialogue/sessions/"+id+"/messages", "alice",
		map[string]string{"content": "hi"})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/models", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("models status = %d", resp.StatusCode)
	}
	var models struct {
		Models []router.ModelConfig `json:"models"`
	}
	json.Unmarshal(body, &models)
	if len(models.Models) != 1 || models.Models[0].ID != "mock" {
		t.Fatalf("models = %+v", models.Models)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/usage?session_id="+id, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage status = %d: %s", resp.StatusCode, body)
	}
	var usage struct {
		Usage []store.UsageRecord `json:"usage"`
	}
	json.Unmarshal(body, &usage)
	if len(usage.Usage) != 1 || !usage.Usage[0].Success {
		t.Fatalf("usage = %+v", usage.Usage)
	}
}

func TestWebSocketTurn(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts, "alice", "book-1", "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/v1/dialogue/ws?session_id=" + id + "&access_token=alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.ClientMessage{
		Type: protocol.TypeClientMessage, SessionID: id, Content: "hello over ws",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Expect typing(true), response, typing(false) in order.
	frames := readFrames(t, conn, 3)
	if frames[0].Type != string(protocol.TypeTyping) || !frames[0].IsTyping {
		t.Fatalf("frame 0 = %+v, want typing true", frames[0])
	}
	if frames[1].Type != string(protocol.TypeResponse) || frames[1].Content == "" {
		t.Fatalf("frame 1 = %+v, want response", frames[1])
	}
	if frames[2].Type != string(protocol.TypeTyping) || frames[2].IsTyping {
		t.Fatalf("frame 2 = %+v, want typing false", frames[2])
	}
}

func TestWebSocketInvalidFrameKeepsConnection(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts, "alice", "book-1", "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/v1/dialogue/ws?session_id=" + id + "&access_token=alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))

	frames := readFrames(t, conn, 1)
	if frames[0].Type != string(protocol.TypeError) || frames[0].Code != "invalid_client_message" {
		t.Fatalf("frame = %+v, want error event", frames[0])
	}

	// The connection still works for a valid turn.
	conn.WriteJSON(protocol.ClientMessage{Type: protocol.TypeClientMessage, Content: "still alive?"})
	got := readFrames(t, conn, 3)
	if got[1].Type != string(protocol.TypeResponse) {
		t.Fatalf("frame after recovery = %+v", got[1])
	}
}

type wsFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Code     string `json:"code"`
	IsTyping bool   `json:"is_typing"`
}

func readFrames(t *testing.T, conn *websocket.Conn, n int) []wsFrame {
	t.Helper()
	frames := make([]wsFrame, 0, n)
	for len(frames) < n {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame %d: %v", len(frames), err)
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("frame %d: %v", len(frames), err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestStaticTokenAuth(t *testing.T) {
	st := store.NewInMemoryStore()
	r := router.New(router.RouterConfig{})
	r.Register(provider.NewMockAdapter("mock"), router.RolePrimary)
	index := retrieval.NewIndex(retrieval.NewInMemoryStore(), r, 1000, 200)
	cat := catalog.NewStatic()
	cat.Put(catalog.Entry{Subject: prompt.Subject{ID: "book-1", Title: "T"}})
	assembler := prompt.NewAssembler(index, st, runeCounter{}, prompt.Config{})
	orch := dialogue.NewOrchestrator(st, assembler, r, nil, cat, nil, dialogue.Config{})

	auth := NewStaticTokens(map[string]string{
		"tok-alice": "alice",
		"tok-ops":   "observer:ops",
	})
	srv := New(config.Config{AllowAnyOrigin: true}, orch, r, index, cat, st, auth, testMetrics)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Unknown token rejected.
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/models", "bad-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", resp.StatusCode)
	}

	id := startSession(t, ts, "tok-alice", "book-1", "")

	// Observer can read but not write.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/dialogue/sessions/"+id+"/messages", "tok-ops", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("observer read status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/dialogue/sessions/"+id+"/messages", "tok-ops",
		map[string]string{"content": "observers cannot talk"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("observer write status = %d, want 403", resp.StatusCode)
	}
}

func TestQuotaExceededOverHTTP(t *testing.T) {
	st := store.NewInMemoryStore()
	r := router.New(router.RouterConfig{})
	r.Register(provider.NewMockAdapter("mock"), router.RolePrimary)
	index := retrieval.NewIndex(retrieval.NewInMemoryStore(), r, 1000, 200)
	cat := catalog.NewStatic()
	cat.Put(catalog.Entry{Subject: prompt.Subject{ID: "book-1", Title: "T"}})
	assembler := prompt.NewAssembler(index, st, runeCounter{}, prompt.Config{})
	orch := dialogue.NewOrchestrator(st, assembler, r, quota.NewInMemory(1), cat, nil, dialogue.Config{})

	srv := New(config.Config{AllowAnyOrigin: true}, orch, r, index, cat, st, DevAuth{}, testMetrics)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := startSession(t, ts, "alice", "book-1", "")
	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/dialogue/sessions/"+id+"/messages", "alice",
			map[string]string{"content": fmt.Sprintf("turn %d", i)})
		want := http.StatusOK
		if i == 1 {
			want = http.StatusTooManyRequests
		}
		if resp.StatusCode != want {
			t.Fatalf("turn %d status = %d, want %d", i, resp.StatusCode, want)
		}
	}
}
