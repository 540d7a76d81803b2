package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/aippt-mcp-go/internal/jsonrpc"
	"github.com/ggoodman/aippt-mcp-go/internal/logctx"
	"github.com/ggoodman/aippt-mcp-go/sessions"
)

type streamEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// handleGet attaches the single event stream of a session and drains its
// queue until the client goes away or the session is closed. The session is
// closed when the stream ends, whatever the reason.
func (h *StreamingHTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	userID, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.unsupported")
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessID := sessionIDFromHeaders(r)
	if sessID == "" {
		sessID = strings.TrimSpace(r.URL.Query().Get(sessionIDQueryParam))
	}
	if sessID == "" {
		h.log.WarnContext(ctx, "get.missing_session_id")
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, UserID: userID, Transport: "http"})

	sess, ok := h.registry.GetFor(sessID, userID)
	if !ok {
		h.log.InfoContext(ctx, "session.load.miss")
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	release, ok := sess.AttachStream()
	if !ok {
		h.log.InfoContext(ctx, "sse.stream.conflict")
		writeJSONError(w, http.StatusConflict, "session already has an active stream")
		return
	}
	defer release()
	defer h.registry.Close(sessID)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(sessionIDHeader, sessID)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "x-session-id, last-event-id")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: flusher, ctx: ctx}
	if err := h.writeEvent(wf, streamEvent{Type: "connected", SessionID: sessID}); err != nil {
		h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	reason := h.pump(ctx, wf, sess)
	h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", reason), slog.Duration("dur", time.Since(start)))
}

// pump forwards queued messages in order, emitting a heartbeat whenever the
// queue stays empty for a full interval. It returns why the stream ended.
func (h *StreamingHTTPHandler) pump(ctx context.Context, wf *lockedWriteFlusher, sess *sessions.Session) string {
	for {
		item, err := sess.Next(ctx, h.heartbeat)
		switch {
		case errors.Is(err, sessions.ErrWaitTimeout):
			if err := h.writeEvent(wf, streamEvent{Type: "heartbeat"}); err != nil {
				return "write_failed"
			}
			h.metrics.Heartbeat()
			h.log.DebugContext(ctx, "sse.heartbeat")
			continue
		case errors.Is(err, sessions.ErrQueueClosed):
			return "session_closed"
		case err != nil:
			return "client_gone"
		}

		if err := h.writeEvent(wf, item); err != nil {
			if errors.Is(err, errEncode) {
				// A single bad message must not take the stream down.
				h.log.ErrorContext(ctx, "sse.encode.fail", slog.String("err", err.Error()))
				inband := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInternalError, "Internal error: "+err.Error(), nil)
				if err := h.writeEvent(wf, inband); err != nil {
					return "write_failed"
				}
				continue
			}
			return "write_failed"
		}
	}
}

var errEncode = errors.New("encode stream event")

func (h *StreamingHTTPHandler) writeEvent(wf *lockedWriteFlusher, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", errEncode, err)
	}
	return writeSSEEvent(wf, payload)
}
