package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/aippt-mcp-go/auth"
	"github.com/ggoodman/aippt-mcp-go/internal/engine"
	"github.com/ggoodman/aippt-mcp-go/internal/logctx"
	"github.com/ggoodman/aippt-mcp-go/internal/metrics"
	"github.com/ggoodman/aippt-mcp-go/internal/wellknown"
	"github.com/ggoodman/aippt-mcp-go/sessions"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	sessionIDHeader       = "X-Session-Id"
	mcpSessionIDHeader    = "Mcp-Session-Id"
	sessionIDQueryParam   = "sessionId"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	// DefaultEndpoint is the path the transport is mounted on.
	DefaultEndpoint = "/mcp"
	// DefaultHeartbeat is the idle interval after which a stream emits a
	// heartbeat event.
	DefaultHeartbeat = 30 * time.Second
	// DefaultMaxBodyBytes bounds a single POST body.
	DefaultMaxBodyBytes = 4 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeJSON writes v as a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger        *slog.Logger
	authenticator auth.Authenticator
	realm         string
	endpoint      string
	publicURL     string
	serverName    string
	heartbeat     time.Duration
	maxBodyBytes  int64
	metrics       *metrics.Metrics
}

// WithLogger sets the slog logger used by the handler. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuthenticator requires a bearer token on every session endpoint. When the
// authenticator also implements auth.SecurityDescriptor, protected resource
// metadata is served under /.well-known/oauth-protected-resource.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.authenticator = a }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithEndpoint sets the path POST, GET and DELETE are served on. Defaults to /mcp.
func WithEndpoint(path string) Option {
	return func(c *newConfig) { c.endpoint = path }
}

// WithPublicURL sets the externally visible URL of the endpoint, used as the
// resource identifier in protected resource metadata. When unset the URL is
// derived from each request.
func WithPublicURL(u string) Option {
	return func(c *newConfig) { c.publicURL = u }
}

// WithServerName sets a human-readable server name surfaced in PRM.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithHeartbeat sets the stream heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(c *newConfig) { c.heartbeat = d }
}

// WithMaxBodyBytes bounds the size of a POST body.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// WithMetrics records request outcomes and heartbeats, and exposes GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// StreamingHTTPHandler serves the queued JSON-RPC transport: POST carries
// client envelopes in, a long-lived GET event stream carries everything out.
type StreamingHTTPHandler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	registry  *sessions.Registry
	eng       *engine.Engine
	metrics   *metrics.Metrics
	heartbeat time.Duration
	maxBody   int64

	auth       auth.Authenticator
	realm      string
	security   *auth.SecurityConfig
	endpoint   string
	publicURL  *url.URL
	serverName string
	prmPath    string
}

// New constructs a StreamingHTTPHandler over registry and eng.
func New(registry *sessions.Registry, eng *engine.Engine, opts ...Option) (*StreamingHTTPHandler, error) {
	if registry == nil {
		return nil, errors.New("session registry is required")
	}
	if eng == nil {
		return nil, errors.New("engine is required")
	}

	cfg := &newConfig{
		logger:       slog.Default(),
		endpoint:     DefaultEndpoint,
		heartbeat:    DefaultHeartbeat,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if !strings.HasPrefix(cfg.endpoint, "/") {
		return nil, fmt.Errorf("endpoint must be an absolute path, got %q", cfg.endpoint)
	}
	if cfg.heartbeat <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive, got %s", cfg.heartbeat)
	}

	h := &StreamingHTTPHandler{
		log:        logctx.Wrap(cfg.logger),
		registry:   registry,
		eng:        eng,
		metrics:    cfg.metrics,
		heartbeat:  cfg.heartbeat,
		maxBody:    cfg.maxBodyBytes,
		auth:       cfg.authenticator,
		realm:      cfg.realm,
		endpoint:   cfg.endpoint,
		serverName: cfg.serverName,
	}

	if cfg.publicURL != "" {
		u, err := url.Parse(cfg.publicURL)
		if err != nil {
			return nil, fmt.Errorf("invalid public URL %q: %w", cfg.publicURL, err)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return nil, fmt.Errorf("public URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
		}
		h.publicURL = u
	}

	if sd, ok := cfg.authenticator.(auth.SecurityDescriptor); ok {
		sc := sd.SecurityConfig()
		if sc.Advertise {
			h.security = &sc
			h.prmPath = "/.well-known/oauth-protected-resource" + strings.TrimSuffix(cfg.endpoint, "/")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.endpoint), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.endpoint), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.endpoint), h.handleDelete)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", cfg.endpoint), h.handleOptions)
	mux.HandleFunc("GET /sessions", h.handleListSessions)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if cfg.metrics != nil {
		mux.Handle("GET /metrics", cfg.metrics.Handler())
	}
	if h.prmPath != "" {
		mux.HandleFunc(fmt.Sprintf("GET %s", h.prmPath), h.handleGetProtectedResourceMetadata)
		mux.HandleFunc(fmt.Sprintf("OPTIONS %s", h.prmPath), h.handleOptionsProtectedResourceMetadata)
	}
	h.mux = mux
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// sessionIDFromHeaders returns the session id named by the request headers.
func sessionIDFromHeaders(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(sessionIDHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(mcpSessionIDHeader))
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "X-Session-Id, Mcp-Session-Id")
}

func (h *StreamingHTTPHandler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, X-Session-Id, Mcp-Session-Id, Last-Event-ID")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleDelete closes the named session. A live stream observes the close
// and ends.
func (h *StreamingHTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	userID, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	sessID := sessionIDFromHeaders(r)
	if sessID == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		writeJSONError(w, http.StatusBadRequest, "missing session id header")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, UserID: userID, Transport: "http"})

	if !h.registry.CloseFor(sessID, userID) {
		h.log.InfoContext(ctx, "session.delete.miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok")
}

type sessionsListing struct {
	Count    int                    `json:"count"`
	Sessions []sessions.SessionInfo `json:"sessions"`
}

// handleListSessions lists the caller's own sessions.
func (h *StreamingHTTPHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.checkAuthentication(r.Context(), r, w)
	if !ok {
		return
	}
	list := make([]sessions.SessionInfo, 0)
	for _, info := range h.registry.List() {
		if info.Owner == userID {
			list = append(list, info)
		}
	}
	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, sessionsListing{Count: len(list), Sessions: list})
}

func (h *StreamingHTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": h.registry.Count()})
}

// resourceURL is the public URL of the endpoint, derived from r when no
// public URL was configured.
func (h *StreamingHTTPHandler) resourceURL(r *http.Request) *url.URL {
	if h.publicURL != nil {
		return h.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: r.Host, Path: h.endpoint}
}

func (h *StreamingHTTPHandler) prmDocumentURL(r *http.Request) string {
	if h.prmPath == "" {
		return ""
	}
	base := h.resourceURL(r)
	return (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: h.prmPath}).String()
}

func (h *StreamingHTTPHandler) handleOptionsProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the OAuth2 Protected Resource Metadata document.
func (h *StreamingHTTPHandler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	sc := h.security
	doc := wellknown.ProtectedResourceMetadata{
		Resource:                          h.resourceURL(r).String(),
		AuthorizationServers:              []string{sc.Issuer},
		JwksURI:                           sc.JWKSURL,
		ScopesSupported:                   sc.ScopesSupported,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: sc.AllowedAlgs,
		ResourceName:                      h.serverName,
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
		return
	}
}

// checkAuthentication validates the bearer token when an authenticator is
// configured and returns the caller's user id, empty when authentication is
// off. On failure it writes the challenge response and returns false.
func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (string, bool) {
	if h.auth == nil {
		return "", true
	}
	prm := h.prmDocumentURL(r)
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: no error code when the request carries no credentials.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, nil))
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}

	const bearerPrefix = "Bearer "
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
		return "", false
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		writeJSONError(w, http.StatusBadRequest, "empty bearer token")
		return "", false
	}

	ui, err := h.auth.CheckAuthentication(ctx, tok)
	switch {
	case err == nil && (ui == nil || ui.UserID() == ""):
		h.log.ErrorContext(ctx, "auth.check.no_user")
		writeJSONError(w, http.StatusInternalServerError, "authentication failed")
	case err == nil:
		return ui.UserID(), true
	case errors.Is(err, auth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, map[string]string{"error": "insufficient_scope", "error_description": "insufficient scope"}))
		writeJSONError(w, http.StatusForbidden, "insufficient scope")
	case errors.Is(err, auth.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, map[string]string{"error": "invalid_token", "error_description": "invalid access token"}))
		writeJSONError(w, http.StatusUnauthorized, "invalid access token")
	default:
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication failed")
	}
	return "", false
}
