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
	"os"
	"sync"

	"github.com/ggoodman/aippt-mcp-go/internal/engine"
	"github.com/ggoodman/aippt-mcp-go/internal/jsonrpc"
	"github.com/ggoodman/aippt-mcp-go/internal/logctx"
	"github.com/ggoodman/aippt-mcp-go/internal/normalize"
	"github.com/google/uuid"
)

// DefaultMaxLineBytes bounds a single inbound line.
const DefaultMaxLineBytes = 4 << 20

// Handler is a single-connection stdio transport that reads newline-delimited
// JSON-RPC messages from an io.Reader and writes responses to an io.Writer. By
// default, it uses os.Stdin and os.Stdout.
//
// Every line goes through the same normalizer and router as the HTTP
// transport, but responses are written directly: there is no queue and no
// heartbeat.
type Handler struct {
	eng          *engine.Engine
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider
	maxLine      int
	sessionID    string

	writeMu sync.Mutex
	served  sync.Once
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		eng:          eng,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
		maxLine:      DefaultMaxLineBytes,
		sessionID:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = logctx.Wrap(h.l)
	return h
}

// SessionID is the id the single stdio session is logged and dispatched under.
func (h *Handler) SessionID() string { return h.sessionID }

var errServed = errors.New("stdio: handler already served")

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. EOF is a clean shutdown and returns nil. It is safe to call at most
// once per Handler. Lines are handled one at a time, so responses leave in the
// order their requests arrived.
func (h *Handler) Serve(ctx context.Context) error {
	first := false
	h.served.Do(func() { first = true })
	if !first {
		return errServed
	}

	userID, err := h.userProvider.CurrentUserID()
	if err != nil {
		h.l.WarnContext(ctx, "stdio.user.lookup_fail", slog.String("err", err.Error()))
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: h.sessionID, UserID: userID, Transport: "stdio"})
	h.l.InfoContext(ctx, "stdio.serve.start")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go h.readLines(ctx, lines, readErr)

	for {
		select {
		case <-ctx.Done():
			h.l.InfoContext(ctx, "stdio.serve.end", slog.String("reason", "context_done"))
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				h.l.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
				return fmt.Errorf("stdio: read: %w", err)
			}
			h.l.InfoContext(ctx, "stdio.serve.end", slog.String("reason", "eof"))
			return nil
		case line := <-lines:
			if err := h.handleLine(ctx, line); err != nil {
				h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
				return fmt.Errorf("stdio: write: %w", err)
			}
		}
	}
}

// readLines feeds non-empty lines to out and reports the terminal read error
// (nil on EOF) on done.
func (h *Handler) readLines(ctx context.Context, out chan<- []byte, done chan<- error) {
	sc := bufio.NewScanner(h.r)
	sc.Buffer(make([]byte, 0, min(64*1024, h.maxLine)), h.maxLine)
	for sc.Scan() {
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		line := make([]byte, len(b))
		copy(line, b)
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
	done <- sc.Err()
}

// handleLine decodes, repairs and routes a single line. Only write failures
// are returned; everything else is answered on the wire.
func (h *Handler) handleLine(ctx context.Context, line []byte) error {
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		code := jsonrpc.CodeFor(err)
		h.l.InfoContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()), slog.Int("code", int(code)))
		return h.write(jsonrpc.NewErrorResponse(nil, code, "", nil))
	}

	if msg.Method == "" {
		// Responses to server requests; this server never sends any.
		h.l.DebugContext(ctx, "jsonrpc.response.ignored", slog.String("id", msg.ID.String()))
		return nil
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})
	if normalize.Envelope(msg) {
		h.l.DebugContext(ctx, "jsonrpc.arguments.repaired")
	}

	res := h.eng.Dispatch(ctx, h.sessionID, msg.AsRequest())
	if res == nil {
		return nil
	}
	return h.write(res)
}

func (h *Handler) write(res *jsonrpc.Response) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	enc := json.NewEncoder(h.w)
	enc.SetEscapeHTML(false)
	return enc.Encode(res)
}
