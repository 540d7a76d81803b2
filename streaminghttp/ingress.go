package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/aippt-mcp-go/internal/engine"
	"github.com/ggoodman/aippt-mcp-go/internal/jsonrpc"
	"github.com/ggoodman/aippt-mcp-go/internal/logctx"
	"github.com/ggoodman/aippt-mcp-go/internal/normalize"
	"github.com/ggoodman/aippt-mcp-go/sessions"
	"github.com/google/uuid"
)

// queuedAck is the result body of every acknowledged envelope.
type queuedAck struct {
	Status string `json:"status"`
}

// handlePost accepts one client envelope. initialize is answered inline;
// everything else is queued for the session's event stream and acknowledged.
func (h *StreamingHTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	defer func() {
		if rec := recover(); rec != nil {
			h.log.ErrorContext(ctx, "http.post.panic",
				slog.String("panic", fmt.Sprint(rec)),
				slog.String("stack", string(debug.Stack())),
			)
			h.metrics.Request("", "internal_error")
			h.writeRPC(w, http.StatusInternalServerError, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInternalError, fmt.Sprintf("Internal error: %v", rec), nil))
		}
	}()

	userID, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			h.log.WarnContext(ctx, "content_type.unsupported")
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.WarnContext(ctx, "http.post.too_large", slog.Int64("limit", tooLarge.Limit))
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.log.WarnContext(ctx, "http.post.read_fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		code := jsonrpc.CodeFor(err)
		h.log.InfoContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()), slog.Int("code", int(code)))
		if code == jsonrpc.ErrorCodeParseError {
			h.metrics.Request("", "parse_error")
		} else {
			h.metrics.Request("", "invalid_request")
		}
		h.writeRPC(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, code, "", nil))
		return
	}

	sessID := sessionIDFromHeaders(r)
	if sessID == "" {
		sessID = uuid.NewString()
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, UserID: userID, Transport: "http"})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	if normalize.Envelope(msg) {
		h.log.DebugContext(ctx, "jsonrpc.arguments.repaired")
	}

	kind := engine.Classify(msg.Method)
	switch {
	case msg.Method != "" && kind == engine.KindInitialize:
		h.handleInitialize(ctx, w, sessID, userID, msg)
		return
	case msg.Method != "" && kind == engine.KindUnknown && !msg.ID.IsNil():
		// Answered inline without touching the registry.
		h.metrics.Request(msg.Method, "method_not_found")
		h.writeRPC(w, http.StatusNotFound, h.eng.Dispatch(ctx, sessID, msg.AsRequest()))
		return
	}

	sess, created, err := h.registry.AcquireFor(sessID, userID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionClosed) || errors.Is(err, sessions.ErrNotOwner) {
			h.log.InfoContext(ctx, "session.load.refused", slog.String("err", err.Error()))
			h.metrics.Request(msg.Method, "session_not_found")
			h.writeRPC(w, http.StatusNotFound, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeSessionNotFound, "", nil))
			return
		}
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		h.writeRPC(w, http.StatusInternalServerError, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "", nil))
		return
	}
	if created {
		h.log.InfoContext(ctx, "session.create.lazy")
	}

	if err := h.enqueue(ctx, sess, msg, kind); err != nil {
		h.log.InfoContext(ctx, "session.enqueue.closed", slog.String("err", err.Error()))
		h.metrics.Request(msg.Method, "session_not_found")
		h.writeRPC(w, http.StatusNotFound, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeSessionNotFound, "", nil))
		return
	}

	ack, err := jsonrpc.NewResultResponse(msg.ID, queuedAck{Status: "queued"})
	if err != nil {
		panic(err)
	}
	w.Header().Set(sessionIDHeader, sess.ID())
	setCORSHeaders(w)
	h.metrics.Request(msg.Method, "queued")
	h.writeRPC(w, http.StatusOK, ack)
	h.log.InfoContext(ctx, "http.post.queued", slog.Duration("dur", time.Since(start)))
}

// enqueue pushes the envelope and, for requests, the router's response to the
// session queue. The router runs detached from the POST's cancellation so a
// client hanging up mid-call cannot drop a response the stream already expects.
// Only a rejected echo is an error: once the echo is queued the envelope is
// accepted, and a response for a session closed in the meantime is dropped.
func (h *StreamingHTTPHandler) enqueue(ctx context.Context, sess *sessions.Session, msg *jsonrpc.AnyMessage, kind engine.Kind) error {
	if err := sess.Enqueue(msg); err != nil {
		return err
	}
	if msg.Method == "" || msg.ID.IsNil() {
		return nil
	}
	res := h.eng.Dispatch(context.WithoutCancel(ctx), sess.ID(), msg.AsRequest())
	if res == nil {
		return nil
	}
	h.log.DebugContext(ctx, "jsonrpc.dispatch.done", slog.String("kind", kind.String()))
	if err := sess.Enqueue(res); err != nil {
		h.log.WarnContext(ctx, "session.enqueue.response_dropped", slog.String("err", err.Error()))
	}
	return nil
}

// handleInitialize registers the session and answers the handshake inline.
func (h *StreamingHTTPHandler) handleInitialize(ctx context.Context, w http.ResponseWriter, sessID, userID string, msg *jsonrpc.AnyMessage) {
	sess, err := h.registry.CreateFor(sessID, userID)
	if err != nil {
		h.log.InfoContext(ctx, "session.create.refused", slog.String("err", err.Error()))
		h.metrics.Request(msg.Method, "session_not_found")
		h.writeRPC(w, http.StatusNotFound, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeSessionNotFound, "", nil))
		return
	}
	h.log.InfoContext(ctx, "session.create")

	res := h.eng.Dispatch(ctx, sess.ID(), msg.AsRequest())
	if res == nil {
		var err error
		if res, err = jsonrpc.NewResultResponse(nil, h.eng.InitializeResult()); err != nil {
			panic(err)
		}
	}
	w.Header().Set(sessionIDHeader, sess.ID())
	setCORSHeaders(w)
	h.metrics.Request(msg.Method, "ok")
	h.writeRPC(w, http.StatusOK, res)
}

// writeRPC writes a JSON-RPC response as the HTTP body.
func (h *StreamingHTTPHandler) writeRPC(w http.ResponseWriter, status int, res *jsonrpc.Response) {
	writeJSON(w, status, res)
}
