// Package webhook ingests GitHub webhook deliveries into the issue mirror.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wesm/github-issue-mirror/internal/logging"
	"github.com/wesm/github-issue-mirror/internal/telemetry"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="

	// GitHub caps webhook payloads at 25 MB
	maxPayloadBytes = 25 << 20
)

// ErrInvalidSignature is returned when a delivery is not signed with the shared secret
var ErrInvalidSignature = errors.New("invalid signature")

// Reconciler writes one issue snapshot into the mirror
type Reconciler interface {
	SyncIssue(ctx context.Context, snapshot *github.Issue, repository string) error
}

// Roller recomputes a repository's metrics snapshot
type Roller interface {
	Rollup(ctx context.Context, repository string) error
}

// Config holds what a Handler needs
type Config struct {
	// Secret is the shared webhook secret. Empty disables signature checking.
	Secret     string
	Reconciler Reconciler
	Roller     Roller
}

// Handler is the http.Handler for GitHub webhook deliveries
type Handler struct {
	secret     []byte
	reconciler Reconciler
	roller     Roller

	tracer trace.Tracer
	events metric.Int64Counter
}

// NewHandler creates a webhook handler
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		reconciler: cfg.Reconciler,
		roller:     cfg.Roller,
		tracer:     telemetry.Tracer(""),
	}
	if cfg.Secret != "" {
		h.secret = []byte(cfg.Secret)
	} else {
		logging.Warn("webhook secret not configured, deliveries are not authenticated", "signature_checking", "disabled")
	}

	events, err := telemetry.Meter("").Int64Counter("mirror.webhook.events",
		metric.WithDescription("Webhook deliveries by event type"))
	if err != nil {
		logging.Warn("failed to create counter", "name", "mirror.webhook.events", "error", err)
	}
	h.events = events
	return h
}

// SignatureChecking reports whether deliveries must carry a valid signature
func (h *Handler) SignatureChecking() bool {
	return len(h.secret) > 0
}

// Verify checks signature, the X-Hub-Signature-256 header value, against body.
// It always succeeds when no secret is configured.
func (h *Handler) Verify(signature string, body []byte) error {
	if !h.SignatureChecking() {
		return nil
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return ErrInvalidSignature
	}
	if err := github.ValidateSignature(signature, body, h.secret); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxPayloadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds 25 MB")
		return
	}
	defer func() { _ = r.Body.Close() }()

	// nothing below runs for an unauthenticated delivery
	if err := h.Verify(r.Header.Get(signatureHeader), body); err != nil {
		logging.Warn("rejected webhook delivery", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	event := github.WebHookType(r)
	ctx, span := h.tracer.Start(r.Context(), "webhook.deliver",
		trace.WithAttributes(attribute.String("event", event)))
	defer span.End()

	if h.events != nil {
		h.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	}

	switch event {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook configured successfully"})
		return
	case "issues":
		status, err := h.handleIssueEvent(ctx, body)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logging.Error("webhook processing failed", "event", event, "error", err)
			writeError(w, status, err.Error())
			return
		}
	default:
		logging.Debug("ignoring webhook event", "event", event)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// handleIssueEvent reconciles the delivered issue and rolls up its repository.
// Every action is reconciled the same way.
func (h *Handler) handleIssueEvent(ctx context.Context, body []byte) (int, error) {
	payload, err := github.ParseWebHook("issues", body)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid issues payload: %w", err)
	}
	event, ok := payload.(*github.IssuesEvent)
	if !ok || event.Issue == nil || event.GetRepo().GetFullName() == "" {
		return http.StatusBadRequest, errors.New("issues payload missing issue or repository")
	}

	repository := event.GetRepo().GetFullName()
	logging.Info("processing issue event",
		"action", event.GetAction(),
		"repository", repository,
		"number", event.Issue.GetNumber(),
	)

	if err := h.reconciler.SyncIssue(ctx, event.Issue, repository); err != nil {
		return http.StatusInternalServerError, err
	}
	if h.roller != nil {
		if err := h.roller.Rollup(ctx, repository); err != nil {
			return http.StatusInternalServerError, err
		}
	}
	return http.StatusOK, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
