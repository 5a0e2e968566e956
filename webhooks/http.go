package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-workqueue/core"
)

type HealthCheck func(ctx context.Context) error

type routerBuilder struct {
	health HealthCheck
}

type RouterOption func(*routerBuilder)

func WithHealthCheck(check HealthCheck) RouterOption {
	return func(b *routerBuilder) {
		b.health = check
	}
}

// NewRouter exposes the gateway over HTTP:
//
//	POST /webhooks/{source}
//	POST /webhooks           (source "default")
//	GET  /healthz
func NewRouter(gateway *Gateway, opts ...RouterOption) http.Handler {
	builder := routerBuilder{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(forwardedFrom(gateway))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", healthHandler(builder.health))
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", ingestHandler(gateway))
		r.Post("/{source}", ingestHandler(gateway))
	})
	return r
}

// forwardedFrom applies chi's RealIP only to requests whose socket peer is a
// trusted proxy. Anyone else could spoof X-Real-IP or X-Forwarded-For past the
// source allowlist.
func forwardedFrom(gateway *Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		realIP := chimw.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gateway.TrustsPeer(r.RemoteAddr) {
				realIP.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ingestHandler(gateway *Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := chi.URLParam(r, "source")
		limit := gateway.Config().MaxBodyBytes
		if limit <= 0 {
			limit = core.DefaultMaxBodyBytes
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, core.MapError(payloadTooLarge(normalizeSource(source), limit)))
				return
			}
			writeError(w, core.MapError(core.WrapError(err, goerrors.CategoryBadInput, "webhooks: read request body", core.ErrorMalformedBody, nil)))
			return
		}

		resp, err := gateway.HandleRequest(r.Context(), IngestRequest{
			Source:     source,
			Body:       body,
			Headers:    flattenHeaders(r.Header),
			RemoteAddr: r.RemoteAddr,
		})
		if err != nil {
			writeError(w, core.MapError(err))
			return
		}
		writeJSON(w, resp.HTTPStatus, resp)
	}
}

func healthHandler(check HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

type errorBody struct {
	Error errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code     int            `json:"code"`
	TextCode string         `json:"text_code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err *goerrors.Error) {
	status := err.Code
	if status == 0 {
		status = http.StatusInternalServerError
	}
	envelope := errorEnvelope{
		Code:     status,
		TextCode: err.TextCode,
		Message:  err.Message,
	}
	if status < http.StatusInternalServerError {
		envelope.Metadata = err.Metadata
	}
	writeJSON(w, status, errorBody{Error: envelope})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) == 0 {
			continue
		}
		out[key] = values[0]
	}
	return out
}
