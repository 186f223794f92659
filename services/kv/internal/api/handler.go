// Package api is the HTTP surface of the kv chain server.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xudaotutou/kv-server/pkg/config"
	"github.com/xudaotutou/kv-server/pkg/httpx"
	"github.com/xudaotutou/kv-server/pkg/persona"
	"github.com/xudaotutou/kv-server/services/kv/internal/chain"
)

// Chain is the part of chain.Service the handlers call.
type Chain interface {
	Propose(ctx context.Context, req chain.ProposeRequest) (chain.Proposal, error)
	Commit(ctx context.Context, req chain.CommitRequest) (chain.Committed, error)
	State(ctx context.Context, in persona.Input) (persona.Persona, []chain.Document, error)
	History(ctx context.Context, in persona.Input) (persona.Persona, []chain.AuditLink, error)
}

type Handler struct {
	chain      Chain
	log        *slog.Logger
	limiter    *ipLimiter
	trustProxy bool
}

func New(c Chain, log *slog.Logger, web config.Web) *Handler {
	h := &Handler{chain: c, log: log, trustProxy: web.TrustProxy}
	if web.RatePerSecond > 0 {
		h.limiter = newIPLimiter(web.RatePerSecond, web.Burst)
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	if h.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(h.requestID)
	r.Use(h.accessLog)
	r.Use(h.recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/v1/kv", func(api chi.Router) {
		api.Use(h.rateLimit)
		api.Post("/payload", h.propose)
		api.Post("/", h.commit)
		api.Get("/", h.state)
		api.Get("/chain", h.history)
	})
	return r
}

type proposeBody struct {
	Persona  string          `json:"persona"`
	Avatar   string          `json:"avatar"`
	Platform string          `json:"platform"`
	Identity string          `json:"identity"`
	Patch    json.RawMessage `json:"patch"`
}

func (h *Handler) propose(w http.ResponseWriter, r *http.Request) {
	var body proposeBody
	if err := httpx.ReadJSON(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.chain.Propose(r.Context(), chain.ProposeRequest{
		Persona:  persona.Input{Persona: body.Persona, Avatar: body.Avatar},
		Platform: body.Platform,
		Identity: body.Identity,
		Patch:    body.Patch,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id":   httpx.RequestID(r.Context()),
		"external_id":  p.ExternalID,
		"sign_payload": p.SignPayload,
		"created_at":   p.CreatedAt,
	})
}

type commitBody struct {
	ExternalID string `json:"external_id"`
	Signature  string `json:"signature"`
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request) {
	var body commitBody
	if err := httpx.ReadJSON(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.chain.Commit(r.Context(), chain.CommitRequest{ExternalID: body.ExternalID, Signature: body.Signature})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.RequestID(r.Context()),
		"link":       c,
	})
}

func queryPersona(r *http.Request) persona.Input {
	q := r.URL.Query()
	return persona.Input{Persona: q.Get("persona"), Avatar: q.Get("avatar")}
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	p, docs, err := h.chain.State(r.Context(), queryPersona(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.RequestID(r.Context()),
		"persona":    p.Hex(),
		"proofs":     docs,
	})
}

// ChainResponse is the body of GET /v1/kv/chain. kvctl reads it back.
type ChainResponse struct {
	RequestID string            `json:"request_id,omitempty"`
	Persona   string            `json:"persona"`
	Links     []chain.AuditLink `json:"links"`
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	p, links, err := h.chain.History(r.Context(), queryPersona(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ChainResponse{
		RequestID: httpx.RequestID(r.Context()),
		Persona:   p.Hex(),
		Links:     links,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteFault(w, r, h.log, err)
}

const requestIDHeader = "X-Request-Id"

func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = httpx.NewRequestID()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(httpx.WithRequestID(r.Context(), id)))
	})
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.InfoContext(r.Context(), "request",
			"request_id", httpx.RequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", clientIP(r),
		)
	})
}

func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.log.ErrorContext(r.Context(), "panic", "request_id", httpx.RequestID(r.Context()), "panic", rec)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
