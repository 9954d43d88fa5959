package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/pkg/types"
)

// RequestIDHeader carries the id a generate request can be cancelled by.
const RequestIDHeader = "X-Inferd-Request"

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	Infer(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error
	Cancel(id string) error
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{RequestIDHeader},
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}
	r.Get("/models", h.models)
	r.Get("/status", h.status)
	r.Post("/v1/generate", h.generate)
	r.Delete("/v1/requests/{id}", h.cancel)

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
		_, _ = w.Write([]byte("not ready"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	if p := MountSwagger(r); p != "" {
		zlog.Debug().Str("path", p).Msg("swagger ui mounted")
	}
	return r
}

type handlers struct {
	svc Service
}

// models godoc
// @Summary      List models
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Router       /models [get]
func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: h.svc.ListModels()})
}

// status godoc
// @Summary      Scheduler status
// @Tags         status
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// cancel godoc
// @Summary      Cancel a generate request
// @Tags         generate
// @Produce      json
// @Param        id   path      string  true  "request id"
// @Success      200  {object}  types.CancelResponse
// @Failure      404  {object}  types.ErrorResponse
// @Router       /v1/requests/{id} [delete]
func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	if l, ok := requestLogger(r, LevelInfo); ok {
		l.Info().Str("id", id).Msg("cancel requested")
	}
	writeJSON(w, http.StatusOK, types.CancelResponse{ID: id, Cancelled: true})
}

// generate godoc
// @Summary      Generate a completion
// @Description  Streams NDJSON StreamLines when stream is true, otherwise returns one GenerateResponse.
// @Tags         generate
// @Accept       json
// @Produce      json,application/x-ndjson
// @Param        request  body      types.GenerateRequest  true  "generation request"
// @Success      200      {object}  types.GenerateResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      415      {object}  types.ErrorResponse
// @Failure      422      {object}  types.ErrorResponse
// @Failure      429      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /v1/generate [post]
func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "invalid_request", "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	var req types.GenerateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, req.ID)
	if req.Stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	start := time.Now()
	log, logInfo := requestLogger(r, LevelInfo)
	body := &countingWriter{w: w}
	var out io.Writer = body
	if dl, ok := requestLogger(r, LevelDebug); ok {
		out = io.MultiWriter(body, &lineLogger{log: dl})
	}
	if logInfo {
		log.Info().Str("id", req.ID).Str("model", req.Model).Bool("stream", req.Stream).Msg("generate start")
	}

	ctx, cancel := generateContext(r.Context())
	defer cancel()
	err = h.svc.Infer(ctx, req, out, flush)
	status := http.StatusOK
	switch {
	case err == nil:
	case r.Context().Err() != nil || serverBaseCtx.Err() != nil:
		// The client is gone or the server is stopping.
		return
	case body.n > 0:
		// Headers are out; the stream's final line already carries the error.
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		writeJSONError(w, status, "timeout", "generation timed out")
	default:
		status = writeError(w, err)
	}
	if logInfo {
		ev := log.Info()
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Str("id", req.ID).Int("status", status).Dur("dur", time.Since(start)).Msg("generate end")
	}
}

// countingWriter records how many bytes reached the response.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
