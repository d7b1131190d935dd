package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orchestd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Models() []types.ModelInfo
	Model(id string) (types.ModelInfo, bool)
	Status() types.StatusResponse
	Ready() bool
	LoadModel(ctx context.Context, modelID, backendTag string) error
	UnloadModel(modelID string) error
	Generate(ctx context.Context, req types.GenerateRequest) (types.GenerationResult, error)
	Progress(modelID string) (types.OverallProgress, bool)
	SubscribeProgress(modelID string) (<-chan types.OverallProgress, func())
}

// NewMux builds the router for a Service.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"models": svc.Models()})
	})

	r.Get("/models/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		m, ok := svc.Model(id)
		if !ok {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("model %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, m)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Post("/load", func(w http.ResponseWriter, r *http.Request) {
		var req types.LoadRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}
		start := time.Now()
		joined, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.LoadModel(joined, req.Model, req.Backend); err != nil {
			if joined.Err() != nil {
				return
			}
			writeServiceError(w, err)
			logRequestEnd(r, "load", req.Model, statusForError(err), start, err)
			return
		}
		logRequestEnd(r, "load", req.Model, http.StatusOK, start, nil)
		writeJSON(w, http.StatusOK, map[string]any{"model": req.Model, "state": "ready"})
	})

	r.Delete("/models/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.UnloadModel(id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"model": id, "state": "unloaded"})
	})

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		start := time.Now()
		joined, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if d := generateTimeout(); d > 0 {
			var tcancel context.CancelFunc
			joined, tcancel = context.WithTimeout(joined, d)
			defer tcancel()
		}
		result, err := svc.Generate(joined, req)
		if err != nil {
			// Client gone or server shutting down: nothing useful to write.
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			writeServiceError(w, err)
			logRequestEnd(r, "generate", req.Model, statusForError(err), start, err)
			return
		}
		logRequestEnd(r, "generate", req.Model, http.StatusOK, start, nil)
		if req.Stream {
			// The backends produce a single final result; a streaming client
			// still gets well-formed NDJSON.
			w.Header().Set("Content-Type", "application/x-ndjson")
			_ = json.NewEncoder(w).Encode(result)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	r.Get("/progress/{id}", func(w http.ResponseWriter, r *http.Request) {
		serveProgress(svc, w, r)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// serveProgress streams OverallProgress snapshots as SSE until the model
// reaches 100%, the subscription idles out, or the client disconnects.
func serveProgress(svc Service, w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(p types.OverallProgress) bool {
		b, err := json.Marshal(p)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		return p.Percentage < 100
	}

	// Seed with the current snapshot so late subscribers see where the load
	// stands before the next update arrives.
	if p, ok := svc.Progress(id); ok {
		if !writeEvent(p) {
			return
		}
	}

	ch, cancel := svc.SubscribeProgress(id)
	defer cancel()

	joined, jcancel := joinContexts(serverBaseCtx, r.Context())
	defer jcancel()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case p := <-ch:
			if !writeEvent(p) {
				return
			}
		case <-heartbeat.C:
			// SSE comment keeps proxies from closing an idle stream.
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-joined.Done():
			return
		}
	}
}

// decodeJSON enforces content type and body size, reporting failures itself.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && zlog != nil {
		zlog.Debug().Err(err).Msg("response encode failed")
	}
}
