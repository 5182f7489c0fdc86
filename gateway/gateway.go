// Package gateway exposes an endpoint's peer over HTTP.
//
//	GET  /methods        local and remote method names
//	POST /invoke/{name}  body is a JSON array of positional arguments
//	GET  /metrics        when a metrics handler is given
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"postling/endpoint"
	"postling/message"
)

// Peer is the part of an endpoint the gateway needs.
type Peer interface {
	Invoke(ctx context.Context, name string, args ...any) (json.RawMessage, error)
	Methods() []string
	RemoteMethods() []string
}

type Options struct {
	// InvokeTimeout bounds each proxied call; zero keeps the request's own context.
	InvokeTimeout time.Duration
	Metrics       http.Handler
	Logger        *zap.Logger
}

type MethodList struct {
	Local  []string `json:"local"`
	Remote []string `json:"remote"`
}

type InvokeResult struct {
	Result json.RawMessage      `json:"result,omitempty"`
	Error  *message.RemoteError `json:"error,omitempty"`
}

type handler struct {
	peer Peer
	opts Options
}

// NewRouter builds the chi router serving peer.
func NewRouter(peer Peer, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &handler{peer: peer, opts: opts}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/methods", h.methods)
	r.Post("/invoke/{name}", h.invoke)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return r
}

func (h *handler) methods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MethodList{Local: h.peer.Methods(), Remote: h.peer.RemoteMethods()})
}

func (h *handler) invoke(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var raw []json.RawMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeJSON(w, http.StatusBadRequest, InvokeResult{Error: &message.RemoteError{Kind: "bad_request", Message: err.Error()}})
			return
		}
	}
	args := make([]any, len(raw))
	for i, a := range raw {
		args[i] = a
	}

	ctx := r.Context()
	if h.opts.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.InvokeTimeout)
		defer cancel()
	}

	result, err := h.peer.Invoke(ctx, name, args...)
	if err != nil {
		status := statusOf(err)
		h.opts.Logger.Warn("gateway invoke failed", zap.String("method", name), zap.Int("status", status), zap.Error(err))
		writeJSON(w, status, InvokeResult{Error: message.ToRemoteError(err)})
		return
	}
	writeJSON(w, http.StatusOK, InvokeResult{Result: result})
}

func statusOf(err error) int {
	var re *message.RemoteError
	switch {
	case errors.As(err, &re):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, endpoint.ErrCallTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, endpoint.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
