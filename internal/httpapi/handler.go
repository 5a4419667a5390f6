// Package httpapi adapts the core procedure dispatcher to HTTP: one JSON
// call endpoint plus liveness/readiness probes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/secretd/api"
	"pkt.systems/secretd/internal/core"
	"pkt.systems/secretd/internal/correlation"
	"pkt.systems/secretd/internal/storage"
	"pkt.systems/secretd/internal/svcfields"
	"pkt.systems/secretd/internal/uuidv7"
)

const headerCorrelationID = "X-Correlation-Id"

const defaultMaxBodyBytes = 1 << 20

// Config wires a Handler.
type Config struct {
	Service            *core.Service
	Logger             pslog.Logger
	DisableHTTPTracing bool
	// MaxBodyBytes caps the request body; zero selects the default 1 MiB.
	MaxBodyBytes int64
}

// Handler serves the procedure call boundary.
type Handler struct {
	svc                *core.Service
	logger             pslog.Logger
	tracer             trace.Tracer
	httpTracingEnabled bool
	maxBodyBytes       int64
}

// NewHandler returns a Handler over cfg.Service.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handler{
		svc:                cfg.Service,
		logger:             logger,
		tracer:             otel.Tracer("pkt.systems/secretd/httpapi"),
		httpTracingEnabled: !cfg.DisableHTTPTracing,
		maxBodyBytes:       maxBody,
	}
}

// Register mounts all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/call", h.wrap("call", h.handleCall))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := "api.http." + operation
	httpSpanName := "secretd.http." + operation
	txSpanName := "secretd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("secretd.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("secretd.operation", operation),
				attribute.String("secretd.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			ctx = correlation.With(ctx, corr)
		}
		if correlation.ID(ctx) == "" {
			ctx = correlation.With(ctx, correlation.Generate())
		}
		if cid := correlation.ID(ctx); cid != "" {
			logger = logger.With("cid", cid)
			w.Header().Set(headerCorrelationID, cid)
			if instrument {
				span.SetAttributes(attribute.String("secretd.correlation_id", cid))
			}
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "POST required"}
	}
	token, err := bearerToken(r)
	if err != nil {
		return err
	}
	var req api.CallRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "request_too_large", Detail: fmt.Sprintf("body exceeds %d bytes", h.maxBodyBytes)}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_request", Detail: "malformed JSON body"}
	}
	if strings.TrimSpace(req.Procedure) == "" {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_request", Detail: "procedure required"}
	}

	result, err := h.svc.Call(r.Context(), token, req.Procedure, req.Args)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.CallResponse{
		Success:      result.Success,
		Message:      result.Message,
		Token:        result.Token,
		Secrets:      result.Secrets,
		Projects:     result.Projects,
		Environments: result.Environments,
		Found:        result.Found,
	})
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

// bearerToken extracts the credential from the Authorization header. A
// missing header yields the anonymous token.
func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", nil
	}
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", httpError{Status: http.StatusUnauthorized, Code: "invalid_authorization", Detail: "Authorization must be 'Bearer <token>'"}
	}
	return strings.TrimSpace(token), nil
}

// convertCoreError maps transport-neutral core failures onto HTTP-aware
// errors.
func convertCoreError(err error) error {
	var f core.Failure
	if errors.As(err, &f) {
		status := f.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return httpError{Status: status, Code: f.Code, Detail: f.Detail}
	}
	switch {
	case errors.Is(err, storage.ErrCASMismatch):
		return httpError{Status: http.StatusConflict, Code: "cas_mismatch", Detail: "storage cas mismatch"}
	case errors.Is(err, storage.ErrNotFound):
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "resource not found"}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode: httpErr.Code,
			Detail:    httpErr.Detail,
		})
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}
