package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/aippt-mcp-go/internal/engine"
	"github.com/ggoodman/aippt-mcp-go/internal/jsonrpc"
	"github.com/ggoodman/aippt-mcp-go/mcp"
	"github.com/ggoodman/aippt-mcp-go/tools"
)

type echoArgs struct {
	Text string `json:"text"`
}

func testEngine() *engine.Engine {
	catalog := tools.NewContainer(
		tools.New[echoArgs]("echo", func(ctx context.Context, r *tools.Request[echoArgs]) (*mcp.CallToolResult, error) {
			return tools.TextResult(r.Args().Text), nil
		}, tools.WithDescription("echo text back")),
	)
	return engine.NewEngine(catalog, engine.WithServerInfo("stdio-test", "0.0.1"))
}

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t       *testing.T
	stdinW  io.Writer
	stdoutR *bufio.Scanner
	outMu   sync.Mutex
	lines   []string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(testEngine(), WithIO(inR, outW), WithLogger(slog.Default()), WithUserProvider(StaticUser("tester")))

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, stdinW: inW, stdoutR: bufio.NewScanner(outR)}

	go func() {
		_ = h.Serve(ctx)
	}()

	go func() {
		for th.stdoutR.Scan() {
			line := strings.TrimSpace(th.stdoutR.Text())
			th.t.Logf("OUT: %s", line)
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
		time.Sleep(10 * time.Millisecond)
	})
	return th
}

// sendRaw writes one line to stdin.
func (th *testHarness) sendRaw(line string) {
	th.t.Helper()
	if _, err := th.stdinW.Write([]byte(line + "\n")); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) expectResponse(timeout time.Duration) *jsonrpc.Response {
	th.t.Helper()
	line, err := th.nextLine(timeout)
	if err != nil {
		th.t.Fatal(err)
	}
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &any); err != nil {
		th.t.Fatalf("unmarshal %s: %v", line, err)
	}
	if any.Type() != "response" {
		th.t.Fatalf("expected response, got %s", any.Type())
	}
	return any.AsResponse()
}

func mustUnmarshal(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
}

func TestInitialize_HappyPath(t *testing.T) {
	th := newHarness(t)
	th.sendRaw(`{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"client","version":"0.0.1"},"capabilities":{}}}`)

	res := th.expectResponse(time.Second)
	if res.Error != nil {
		t.Fatalf("initialize error: %+v", res.Error)
	}
	if want, got := "init", res.ID.String(); want != got {
		t.Fatalf("expected id %q, got %q", want, got)
	}
	var ir mcp.InitializeResult
	mustUnmarshal(t, res.Result, &ir)
	if want, got := mcp.ProtocolVersion, ir.ProtocolVersion; want != got {
		t.Fatalf("expected protocol version %q, got %q", want, got)
	}
	if want, got := "stdio-test", ir.ServerInfo.Name; want != got {
		t.Fatalf("expected server name %q, got %q", want, got)
	}
}

func TestTools_ListAndCall(t *testing.T) {
	th := newHarness(t)

	th.sendRaw(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	res := th.expectResponse(time.Second)
	var lr mcp.ListToolsResult
	mustUnmarshal(t, res.Result, &lr)
	if want, got := 1, len(lr.Tools); want != got {
		t.Fatalf("expected %d tools, got %d", want, got)
	}
	if want, got := "echo", lr.Tools[0].Name; want != got {
		t.Fatalf("expected tool %q, got %q", want, got)
	}

	t.Run("object arguments", func(t *testing.T) {
		th.sendRaw(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`)
		res := th.expectResponse(time.Second)
		var cr mcp.CallToolResult
		mustUnmarshal(t, res.Result, &cr)
		if want, got := "hi", cr.Content[0].Text; want != got {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})

	t.Run("string arguments are repaired", func(t *testing.T) {
		th.sendRaw(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":"{\"text\":\"repaired\"}"}}`)
		res := th.expectResponse(time.Second)
		if res.Error != nil {
			t.Fatalf("unexpected error: %+v", res.Error)
		}
		var cr mcp.CallToolResult
		mustUnmarshal(t, res.Result, &cr)
		if want, got := "repaired", cr.Content[0].Text; want != got {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})

	t.Run("unparseable string arguments", func(t *testing.T) {
		th.sendRaw(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":"not json"}}`)
		res := th.expectResponse(time.Second)
		if res.Error == nil {
			t.Fatalf("expected error, got result %s", res.Result)
		}
		if want, got := jsonrpc.ErrorCodeInvalidParams, res.Error.Code; want != got {
			t.Fatalf("expected code %d, got %d", want, got)
		}
	})
}

func TestNotificationsAndResponsesProduceNoOutput(t *testing.T) {
	th := newHarness(t)

	th.sendRaw(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	th.sendRaw(`{"jsonrpc":"2.0","id":"client-1","result":{}}`)
	th.sendRaw(``)
	th.sendRaw(`{"jsonrpc":"2.0","id":"p","method":"ping"}`)

	res := th.expectResponse(time.Second)
	if want, got := "p", res.ID.String(); want != got {
		t.Fatalf("expected first output to answer %q, got %q", want, got)
	}
}

func TestMalformedLines(t *testing.T) {
	tests := []struct {
		name string
		line string
		code jsonrpc.ErrorCode
	}{
		{name: "not json", line: `{"jsonrpc":`, code: jsonrpc.ErrorCodeParseError},
		{name: "batch", line: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, code: jsonrpc.ErrorCodeInvalidRequest},
		{name: "wrong version", line: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, code: jsonrpc.ErrorCodeInvalidRequest},
	}

	th := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th.sendRaw(tt.line)
			res := th.expectResponse(time.Second)
			if res.Error == nil {
				t.Fatalf("expected error response")
			}
			if want, got := tt.code, res.Error.Code; want != got {
				t.Fatalf("expected code %d, got %d", want, got)
			}
			if !res.ID.IsNil() {
				t.Fatalf("expected null id, got %s", res.ID.String())
			}
		})
	}

	// The loop survives bad input.
	th.sendRaw(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	if res := th.expectResponse(time.Second); res.Error != nil {
		t.Fatalf("ping after bad input: %+v", res.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	th := newHarness(t)
	th.sendRaw(`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	res := th.expectResponse(time.Second)
	if res.Error == nil {
		t.Fatalf("expected error response")
	}
	if want, got := jsonrpc.ErrorCodeMethodNotFound, res.Error.Code; want != got {
		t.Fatalf("expected code %d, got %d", want, got)
	}
}

func TestServe(t *testing.T) {
	t.Run("eof is a clean shutdown", func(t *testing.T) {
		in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" + `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
		var out bytes.Buffer
		h := NewHandler(testEngine(), WithIO(in, &out), WithUserProvider(StaticUser("tester")))
		if err := h.Serve(context.Background()); err != nil {
			t.Fatalf("Serve: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		if want, got := 2, len(lines); want != got {
			t.Fatalf("expected %d lines, got %d: %q", want, got, out.String())
		}
		if want, got := `{"jsonrpc":"2.0","result":{},"id":1}`, lines[0]; want != got {
			t.Fatalf("expected %s, got %s", want, got)
		}
	})

	t.Run("only once", func(t *testing.T) {
		h := NewHandler(testEngine(), WithIO(strings.NewReader(""), io.Discard), WithUserProvider(StaticUser("tester")))
		if err := h.Serve(context.Background()); err != nil {
			t.Fatalf("Serve: %v", err)
		}
		if err := h.Serve(context.Background()); !errors.Is(err, errServed) {
			t.Fatalf("expected errServed, got %v", err)
		}
	})

	t.Run("line too long", func(t *testing.T) {
		in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + strings.Repeat("x", 128) + `"}}` + "\n")
		h := NewHandler(testEngine(), WithIO(in, io.Discard), WithMaxLineBytes(32), WithUserProvider(StaticUser("tester")))
		if err := h.Serve(context.Background()); err == nil {
			t.Fatalf("expected error for oversized line")
		}
	})

	t.Run("context cancel", func(t *testing.T) {
		inR, inW := io.Pipe()
		defer inW.Close()
		h := NewHandler(testEngine(), WithIO(inR, io.Discard), WithUserProvider(StaticUser("tester")))
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.Serve(ctx) }()
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("Serve did not return after cancel")
		}
	})
}
