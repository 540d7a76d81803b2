package streaminghttp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/aippt-mcp-go/auth"
	"github.com/ggoodman/aippt-mcp-go/auth/authtest"
	"github.com/ggoodman/aippt-mcp-go/internal/engine"
	"github.com/ggoodman/aippt-mcp-go/internal/logctx"
	"github.com/ggoodman/aippt-mcp-go/mcp"
	"github.com/ggoodman/aippt-mcp-go/sessions"
	"github.com/ggoodman/aippt-mcp-go/tools"
)

type echoArgs struct {
	Text string `json:"text"`
}

func testCatalog() *tools.Container {
	return tools.NewContainer(
		tools.New[echoArgs]("echo", func(ctx context.Context, r *tools.Request[echoArgs]) (*mcp.CallToolResult, error) {
			return tools.TextResult(r.Args().Text), nil
		}, tools.WithDescription("echo text back")),
	)
}

type testServer struct {
	*httptest.Server
	registry *sessions.Registry
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	return newTestServerWithCatalog(t, sessions.NewRegistry(), testCatalog(), opts...)
}

func newTestServerWithCatalog(t *testing.T, reg *sessions.Registry, catalog engine.Catalog, opts ...Option) *testServer {
	t.Helper()
	eng := engine.NewEngine(catalog)
	h, err := New(reg, eng, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		reg.Stop()
	})
	return &testServer{Server: srv, registry: reg}
}

// rpcEnvelope is loose enough to hold requests, responses and stream events.
type rpcEnvelope struct {
	JSONRPC   string          `json:"jsonrpc"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     *rpcError       `json:"error"`
	ID        json.RawMessage `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type postResult struct {
	status    int
	sessionID string
	header    http.Header
	body      rpcEnvelope
}

func (s *testServer) post(t *testing.T, sessID, body string) postResult {
	t.Helper()
	return s.postAs(t, "", sessID, body)
}

// postAs sends body with token as the bearer credential when token is set.
func (s *testServer) postAs(t *testing.T, token, sessID, body string) postResult {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+DefaultEndpoint, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessID != "" {
		req.Header.Set(sessionIDHeader, sessID)
	}
	res, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()

	out := postResult{status: res.StatusCode, sessionID: res.Header.Get(sessionIDHeader), header: res.Header}
	raw, _ := io.ReadAll(res.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			t.Fatalf("decode POST body %q: %v", raw, err)
		}
	}
	return out
}

func (s *testServer) initialize(t *testing.T) string {
	t.Helper()
	return s.initializeAs(t, "")
}

func (s *testServer) initializeAs(t *testing.T, token string) string {
	t.Helper()
	res := s.postAs(t, token, "", `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test","version":"1"}}}`)
	if want, got := http.StatusOK, res.status; want != got {
		t.Fatalf("initialize: expected status %d, got %d", want, got)
	}
	if res.sessionID == "" {
		t.Fatal("initialize: missing session id header")
	}
	return res.sessionID
}

type sseStream struct {
	res    *http.Response
	cancel context.CancelFunc
	events chan rpcEnvelope
}

func (s *testServer) openStream(t *testing.T, sessID string) (*sseStream, *http.Response) {
	t.Helper()
	return s.openStreamAs(t, "", sessID)
}

func (s *testServer) openStreamAs(t *testing.T, token, sessID string) (*sseStream, *http.Response) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+DefaultEndpoint, nil)
	if err != nil {
		cancel()
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessID != "" {
		req.Header.Set(sessionIDHeader, sessID)
	}
	res, err := s.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("get: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		cancel()
		res.Body.Close()
		return nil, res
	}

	st := &sseStream{res: res, cancel: cancel, events: make(chan rpcEnvelope, 64)}
	go func() {
		defer close(st.events)
		sc := bufio.NewScanner(res.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev rpcEnvelope
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			st.events <- ev
		}
	}()
	t.Cleanup(st.close)
	return st, res
}

func (st *sseStream) close() {
	st.cancel()
	st.res.Body.Close()
}

func (st *sseStream) next(t *testing.T) rpcEnvelope {
	t.Helper()
	select {
	case ev, ok := <-st.events:
		if !ok {
			t.Fatal("stream ended")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream event")
	}
	return rpcEnvelope{}
}

// nextMessage skips heartbeats.
func (st *sseStream) nextMessage(t *testing.T) rpcEnvelope {
	t.Helper()
	for {
		if ev := st.next(t); ev.Type != "heartbeat" {
			return ev
		}
	}
}

// deleteAs sends DELETE for sessID and returns the status code.
func (s *testServer) deleteAs(t *testing.T, token, sessID string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, s.URL+DefaultEndpoint, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(mcpSessionIDHeader, sessID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	res.Body.Close()
	return res.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInitializeIsAnsweredInline(t *testing.T) {
	s := newTestServer(t)

	res := s.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if want, got := http.StatusOK, res.status; want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(res.body.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if want, got := mcp.ProtocolVersion, result.ProtocolVersion; want != got {
		t.Fatalf("expected protocol version %q, got %q", want, got)
	}
	if _, ok := s.registry.Get(res.sessionID); !ok {
		t.Fatal("initialize should register the session")
	}

	t.Run("client chosen id", func(t *testing.T) {
		res := s.post(t, "client-abc", `{"jsonrpc":"2.0","id":2,"method":"initialize"}`)
		if want, got := "client-abc", res.sessionID; want != got {
			t.Fatalf("expected session %q, got %q", want, got)
		}
	})
}

func TestMessagesAreStreamedInOrder(t *testing.T) {
	s := newTestServer(t)
	sessID := s.initialize(t)

	stream, _ := s.openStream(t, sessID)
	connected := stream.next(t)
	if want, got := "connected", connected.Type; want != got {
		t.Fatalf("expected %q event, got %+v", want, connected)
	}
	if want, got := sessID, connected.SessionID; want != got {
		t.Fatalf("expected session %q, got %q", want, got)
	}

	posts := []string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	}
	for _, body := range posts {
		res := s.post(t, sessID, body)
		if want, got := http.StatusOK, res.status; want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
		if want, got := `{"status":"queued"}`, string(res.body.Result); want != got {
			t.Fatalf("expected ack %s, got %s", want, got)
		}
		if want, got := sessID, res.sessionID; want != got {
			t.Fatalf("expected session header %q, got %q", want, got)
		}
	}

	want := []struct {
		method string
		id     string
		result bool
	}{
		{method: "ping", id: "1"},
		{id: "1", result: true},
		{method: "notifications/initialized"},
		{method: "tools/list", id: "2"},
		{id: "2", result: true},
	}
	for i, w := range want {
		ev := stream.nextMessage(t)
		if ev.Method != w.method || (w.id != "" && string(ev.ID) != w.id) || (w.result != (ev.Result != nil)) {
			t.Fatalf("event %d: expected %+v, got method=%q id=%s result=%s", i, w, ev.Method, ev.ID, ev.Result)
		}
	}
}

func TestToolsListRoundTrip(t *testing.T) {
	s := newTestServer(t)
	sessID := s.initialize(t)
	stream, _ := s.openStream(t, sessID)
	stream.next(t)

	s.post(t, sessID, `{"jsonrpc":"2.0","id":"list","method":"tools/list"}`)
	stream.nextMessage(t)
	ev := stream.nextMessage(t)

	var result mcp.ListToolsResult
	if err := json.Unmarshal(ev.Result, &result); err != nil {
		t.Fatalf("decode tools/list: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools %+v", result.Tools)
	}
	if want, got := `"list"`, string(ev.ID); want != got {
		t.Fatalf("expected id %s, got %s", want, got)
	}
}

func TestStringArgumentsAreRepaired(t *testing.T) {
	s := newTestServer(t)
	sessID := s.initialize(t)
	stream, _ := s.openStream(t, sessID)
	stream.next(t)

	s.post(t, sessID, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":"{\"text\":\"你好\"}"}}`)

	echo := stream.nextMessage(t)
	var params struct {
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(echo.Params, &params); err != nil {
		t.Fatalf("decode echoed params: %v", err)
	}
	if want, got := `{"text":"你好"}`, string(params.Arguments); want != got {
		t.Fatalf("expected repaired arguments %s, got %s", want, got)
	}

	res := stream.nextMessage(t)
	var result mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("decode tools/call: %v", err)
	}
	if result.IsError || len(result.Content) != 1 || result.Content[0].Text != "你好" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestUnparseableArgumentsAreInvalidParams(t *testing.T) {
	s := newTestServer(t)
	sessID := s.initialize(t)
	stream, _ := s.openStream(t, sessID)
	stream.next(t)

	res := s.post(t, sessID, `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"echo","arguments":"{not json"}}`)
	if want, got := http.StatusOK, res.status; want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}

	echo := stream.nextMessage(t)
	var params struct {
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(echo.Params, &params); err != nil {
		t.Fatalf("decode echoed params: %v", err)
	}
	if want, got := `"{not json"`, string(params.Arguments); want != got {
		t.Fatalf("expected arguments left as %s, got %s", want, got)
	}

	ev := stream.nextMessage(t)
	if ev.Error == nil || ev.Error.Code != -32602 {
		t.Fatalf("expected -32602, got %+v", ev.Error)
	}
}

func TestMalformedEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "not json", body: `{"jsonrpc":`, code: -32700},
		{name: "batch", body: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, code: -32600},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, code: -32600},
		{name: "scalar", body: `42`, code: -32600},
	}
	s := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.post(t, "sess-1", tt.body)
			if want, got := http.StatusBadRequest, res.status; want != got {
				t.Fatalf("expected status %d, got %d", want, got)
			}
			if res.body.Error == nil || res.body.Error.Code != tt.code {
				t.Fatalf("expected code %d, got %+v", tt.code, res.body.Error)
			}
			if want, got := "null", string(res.body.ID); want != got {
				t.Fatalf("expected id %s, got %s", want, got)
			}
		})
	}
	if want, got := 0, s.registry.Count(); want != got {
		t.Fatalf("malformed envelopes must not create sessions; got %d", got)
	}
}

func TestUnknownMethodIsAnsweredInline(t *testing.T) {
	s := newTestServer(t)

	res := s.post(t, "ghost", `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`)
	if want, got := http.StatusNotFound, res.status; want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}
	if res.body.Error == nil || res.body.Error.Code != -32601 {
		t.Fatalf("expected -32601, got %+v", res.body.Error)
	}
	if want, got := "3", string(res.body.ID); want != got {
		t.Fatalf("expected id %s, got %s", want, got)
	}
	if want, got := 0, s.registry.Count(); want != got {
		t.Fatalf("expected no sessions, got %d", got)
	}
}

func TestLazySessionCreation(t *testing.T) {
	s := newTestServer(t)

	res := s.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if want, got := http.StatusOK, res.status; want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}
	sess, ok := s.registry.Get(res.sessionID)
	if !ok {
		t.Fatal("expected a session to be created")
	}
	if want, got := 2, sess.Pending(); want != got {
		t.Fatalf("expected %d queued messages, got %d", want, got)
	}
}

func TestUnencodableMessageBecomesInBandError(t *testing.T) {
	s := newTestServer(t)
	sessID := s.initialize(t)
	stream, _ := s.openStream(t, sessID)
	stream.next(t)

	sess, ok := s.registry.Get(sessID)
	if !ok {
		t.Fatal("expected the session to be live")
	}
	if err := sess.Enqueue(make(chan int)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.post(t, sessID, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	ev := stream.nextMessage(t)
	if ev.Error == nil || ev.Error.Code != -32603 {
		t.Fatalf("expected an in-band -32603 event, got %+v", ev)
	}
	if want, got := "null", string(ev.ID); want != got {
		t.Fatalf("expected id %s, got %s", want, got)
	}
	if want, got := "ping", stream.nextMessage(t).Method; want != got {
		t.Fatalf("expected the stream to continue with %q, got %q", want, got)
	}
	if _, ok := s.registry.Get(sessID); !ok {
		t.Fatal("an encode failure must not close the session")
	}
}

func TestResponseForSessionClosedMidCallIsDropped(t *testing.T) {
	reg := sessions.NewRegistry()
	catalog := tools.NewContainer(
		tools.New[echoArgs]("hangup", func(ctx context.Context, r *tools.Request[echoArgs]) (*mcp.CallToolResult, error) {
			reg.Close(logctx.SessionID(ctx))
			return tools.TextResult("bye"), nil
		}),
	)
	s := newTestServerWithCatalog(t, reg, catalog)
	sessID := s.initialize(t)

	res := s.post(t, sessID, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"hangup","arguments":{"text":"x"}}}`)
	if want, got := http.StatusOK, res.status; want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}
	if want, got := `{"status":"queued"}`, string(res.body.Result); want != got {
		t.Fatalf("expected ack %s, got %s", want, got)
	}
	if want, got := 0, reg.Count(); want != got {
		t.Fatalf("expected the tool to have closed the session, got %d live", got)
	}
}

func TestHeartbeat(t *testing.T) {
	s := newTestServer(t, WithHeartbeat(20*time.Millisecond))
	sessID := s.initialize(t)
	stream, _ := s.openStream(t, sessID)
	stream.next(t)

	if want, got := "heartbeat", stream.next(t).Type; want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}

	// Messages still flow between heartbeats.
	s.post(t, sessID, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if want, got := "ping", stream.nextMessage(t).Method; want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestStreamTeardownClosesSession(t *testing.T) {
	s := newTestServer(t)
	sessID := s.initialize(t)
	stream, _ := s.openStream(t, sessID)
	stream.next(t)

	stream.close()
	waitFor(t, "session close", func() bool { return s.registry.Count() == 0 })

	res := s.post(t, sessID, `{"jsonrpc":"2.0","id":4,"method":"ping"}`)
	if want, got := http.StatusNotFound, res.status; want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}
	if res.body.Error == nil || res.body.Error.Code != -32001 {
		t.Fatalf("expected -32001, got %+v", res.body.Error)
	}

	t.Run("undrained queue", func(t *testing.T) {
		id := s.initialize(t)
		for i := 0; i < 5; i++ {
			if res := s.post(t, id, `{"jsonrpc":"2.0","method":"notifications/progress"}`); res.status != http.StatusOK {
				t.Fatalf("notification %d: expected status %d, got %d", i, http.StatusOK, res.status)
			}
		}
		sess, ok := s.registry.Get(id)
		if !ok {
			t.Fatal("expected the session to be live")
		}
		if want, got := 5, sess.Pending(); want != got {
			t.Fatalf("expected %d pending messages, got %d", want, got)
		}

		st, _ := s.openStream(t, id)
		st.close()
		waitFor(t, "session close", func() bool {
			_, ok := s.registry.Get(id)
			return !ok
		})
		if err := sess.Enqueue("late"); err == nil {
			t.Fatal("expected enqueue on a closed session to fail")
		}
	})

	t.Run("initialize revives the id", func(t *testing.T) {
		res := s.post(t, sessID, `{"jsonrpc":"2.0","id":5,"method":"initialize"}`)
		if want, got := http.StatusOK, res.status; want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
		res = s.post(t, sessID, `{"jsonrpc":"2.0","id":6,"method":"ping"}`)
		if want, got := http.StatusOK, res.status; want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
	})
}

func TestStreamRejections(t *testing.T) {
	s := newTestServer(t)
	sessID := s.initialize(t)

	t.Run("missing session", func(t *testing.T) {
		_, res := s.openStream(t, "")
		if want, got := http.StatusBadRequest, res.StatusCode; want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		_, res := s.openStream(t, "nope")
		if want, got := http.StatusNotFound, res.StatusCode; want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
	})

	t.Run("second stream", func(t *testing.T) {
		first, _ := s.openStream(t, sessID)
		first.next(t)
		_, res := s.openStream(t, sessID)
		if want, got := http.StatusConflict, res.StatusCode; want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
	})

	t.Run("query parameter", func(t *testing.T) {
		id := s.initialize(t)
		req, _ := http.NewRequest(http.MethodGet, s.URL+DefaultEndpoint+"?sessionId="+id, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		res, err := s.Client().Do(req.WithContext(ctx))
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer res.Body.Close()
		if want, got := http.StatusOK, res.StatusCode; want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
		if want, got := "text/event-stream", res.Header.Get("Content-Type"); want != got {
			t.Fatalf("expected content type %q, got %q", want, got)
		}
		if want, got := "no", res.Header.Get("X-Accel-Buffering"); want != got {
			t.Fatalf("expected X-Accel-Buffering %q, got %q", want, got)
		}
	})
}

func TestDeleteSession(t *testing.T) {
	s := newTestServer(t)
	sessID := s.initialize(t)
	stream, _ := s.openStream(t, sessID)
	stream.next(t)

	del := func() int { return s.deleteAs(t, "", sessID) }

	if want, got := http.StatusNoContent, del(); want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}
	for range stream.events {
		// drains until the server ends the stream
	}
	if want, got := http.StatusNotFound, del(); want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}
}

func TestUnsupportedContentType(t *testing.T) {
	s := newTestServer(t)
	res, err := s.Client().Post(s.URL+DefaultEndpoint, "text/plain", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if want, got := http.StatusUnsupportedMediaType, res.StatusCode; want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}
}

func TestSessionsAndHealth(t *testing.T) {
	s := newTestServer(t)
	a := s.initialize(t)
	b := s.initialize(t)

	res, err := s.Client().Get(s.URL + "/sessions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	var listing struct {
		Count    int `json:"count"`
		Sessions []struct {
			ID        string `json:"id"`
			Connected bool   `json:"connected"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want, got := 2, listing.Count; want != got {
		t.Fatalf("expected %d sessions, got %d", want, got)
	}
	ids := map[string]bool{}
	for _, s := range listing.Sessions {
		ids[s.ID] = s.Connected
	}
	if !ids[a] || !ids[b] {
		t.Fatalf("expected both sessions connected, got %+v", listing.Sessions)
	}

	hres, err := s.Client().Get(s.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer hres.Body.Close()
	body, _ := io.ReadAll(hres.Body)
	if want, got := `{"sessions":2,"status":"ok"}`, strings.TrimSpace(string(body)); want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t,
		WithAuthenticator(authtest.StaticTokens{"good": "alice", "limited": ""}),
		WithRealm("aippt"),
	)

	tests := []struct {
		name      string
		header    string
		status    int
		challenge string
	}{
		{name: "missing", status: http.StatusUnauthorized, challenge: `Bearer realm="aippt"`},
		{name: "malformed", header: "Basic Zm9vOmJhcg==", status: http.StatusBadRequest, challenge: `error="invalid_request"`},
		{name: "invalid", header: "Bearer bad", status: http.StatusUnauthorized, challenge: `error="invalid_token"`},
		{name: "insufficient scope", header: "Bearer limited", status: http.StatusForbidden, challenge: `error="insufficient_scope"`},
		{name: "ok", header: "Bearer good", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, s.URL+DefaultEndpoint, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			res, err := s.Client().Do(req)
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			res.Body.Close()
			if want, got := tt.status, res.StatusCode; want != got {
				t.Fatalf("expected status %d, got %d", want, got)
			}
			if got := res.Header.Get("WWW-Authenticate"); !strings.Contains(got, tt.challenge) {
				t.Fatalf("expected challenge containing %q, got %q", tt.challenge, got)
			}
		})
	}

	t.Run("health stays open", func(t *testing.T) {
		res, err := s.Client().Get(s.URL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		res.Body.Close()
		if want, got := http.StatusOK, res.StatusCode; want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
	})
}

type anonymousAuth struct{}

func (anonymousAuth) CheckAuthentication(context.Context, string) (auth.UserInfo, error) {
	return nil, nil
}

func TestAuthenticatorWithoutUserIsServerError(t *testing.T) {
	s := newTestServer(t, WithAuthenticator(anonymousAuth{}))

	res := s.postAs(t, "anything", "s1", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if want, got := http.StatusInternalServerError, res.status; want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}
	if want, got := 0, s.registry.Count(); want != got {
		t.Fatalf("expected %d sessions, got %d", want, got)
	}
}

func TestSessionsAreBoundToTheirOwner(t *testing.T) {
	s := newTestServer(t, WithAuthenticator(authtest.StaticTokens{"a": "alice", "b": "bob"}))
	sessID := s.initializeAs(t, "a")

	notFound := func(t *testing.T, res postResult) {
		t.Helper()
		if want, got := http.StatusNotFound, res.status; want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
		if res.body.Error == nil || res.body.Error.Code != -32001 {
			t.Fatalf("expected -32001, got %+v", res.body.Error)
		}
	}

	t.Run("post from another user", func(t *testing.T) {
		notFound(t, s.postAs(t, "b", sessID, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
		notFound(t, s.postAs(t, "b", sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		sess, ok := s.registry.Get(sessID)
		if !ok {
			t.Fatal("expected the session to stay live")
		}
		if want, got := 0, sess.Pending(); want != got {
			t.Fatalf("expected nothing queued, got %d", got)
		}
	})

	t.Run("initialize over another user's id", func(t *testing.T) {
		notFound(t, s.postAs(t, "b", sessID, `{"jsonrpc":"2.0","id":2,"method":"initialize"}`))
	})

	t.Run("stream from another user", func(t *testing.T) {
		_, res := s.openStreamAs(t, "b", sessID)
		if want, got := http.StatusNotFound, res.StatusCode; want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
	})

	t.Run("delete from another user", func(t *testing.T) {
		if want, got := http.StatusNotFound, s.deleteAs(t, "b", sessID); want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
		if _, ok := s.registry.Get(sessID); !ok {
			t.Fatal("expected the session to survive")
		}
	})

	t.Run("listing is per user", func(t *testing.T) {
		count := func(token string) int {
			req, _ := http.NewRequest(http.MethodGet, s.URL+"/sessions", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			res, err := s.Client().Do(req)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			defer res.Body.Close()
			var listing struct {
				Count int `json:"count"`
			}
			if err := json.NewDecoder(res.Body).Decode(&listing); err != nil {
				t.Fatalf("decode: %v", err)
			}
			return listing.Count
		}
		if want, got := 1, count("a"); want != got {
			t.Fatalf("alice: expected %d sessions, got %d", want, got)
		}
		if want, got := 0, count("b"); want != got {
			t.Fatalf("bob: expected %d sessions, got %d", want, got)
		}
	})

	t.Run("owner keeps full access", func(t *testing.T) {
		stream, res := s.openStreamAs(t, "a", sessID)
		if want, got := http.StatusOK, res.StatusCode; want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
		stream.next(t)
		if res := s.postAs(t, "a", sessID, `{"jsonrpc":"2.0","id":3,"method":"ping"}`); res.status != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, res.status)
		}
		if want, got := "ping", stream.nextMessage(t).Method; want != got {
			t.Fatalf("expected %q, got %q", want, got)
		}
		if want, got := http.StatusNoContent, s.deleteAs(t, "a", sessID); want != got {
			t.Fatalf("expected status %d, got %d", want, got)
		}
	})
}

func TestBuildBearerChallenge(t *testing.T) {
	got := buildBearerChallenge("r", "https://x/.well-known/oauth-protected-resource/mcp", map[string]string{"error_description": `bad "token"`, "error": "invalid_token"})
	want := `Bearer realm="r", resource_metadata="https://x/.well-known/oauth-protected-resource/mcp", error="invalid_token", error_description="bad \"token\""`
	if want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if want, got := "Bearer", buildBearerChallenge("", "", nil); want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
