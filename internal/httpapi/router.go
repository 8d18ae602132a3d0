package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/botjuris/botjuris/internal/boterr"
	"github.com/botjuris/botjuris/internal/config"
	"github.com/botjuris/botjuris/internal/ingress"
	"github.com/botjuris/botjuris/internal/store"
)

const maxWebhookBodyBytes = 1 << 20

type Dependencies struct {
	Config config.Config
	Store  *store.Store
	Logger *slog.Logger
}

type router struct {
	deps   Dependencies
	logger *slog.Logger
}

func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &router{deps: deps, logger: logger.With("component", "httpapi")}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.handleHealth)
	mux.HandleFunc("/readyz", rt.handleReady)
	mux.HandleFunc("/webhook", rt.handleWebhook)
	return mux
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *router) handleReady(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Store.Ping(req.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleWebhook validates, parses and enqueues inbound Evolution
// events. Duplicates are acknowledged with 200 so the provider stops
// redelivering; enqueue happens before the response, which keeps the
// at-least-once contract even if the process dies right after.
func (r *router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if err := ingress.VerifySignature(r.deps.Config.WebhookSecret, body, req.Header.Get("X-Signature")); err != nil {
		switch {
		case errors.Is(err, boterr.ErrMissingSignature):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing signature"})
		case errors.Is(err, boterr.ErrInvalidSignature):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
		default:
			writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		}
		return
	}
	if r.deps.Config.WebhookSecret == "" {
		r.logger.Warn("webhook secret not configured, accepting unsigned request")
	}

	events, err := ingress.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	enqueued := 0
	duplicates := 0
	for _, event := range events {
		_, err := r.deps.Store.EnqueueEvent(req.Context(), store.EnqueueEventInput{
			ProviderMessageID: event.ProviderMessageID,
			Sender:            event.Sender,
			Instance:          event.Instance,
			PushName:          event.PushName,
			Content:           event.Content,
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicateEvent) {
				duplicates++
				r.logger.Info("duplicate webhook event dropped", "provider_message_id", event.ProviderMessageID)
				continue
			}
			r.logger.Error("enqueue failed", "provider_message_id", event.ProviderMessageID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
			return
		}
		enqueued++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "accepted",
		"enqueued":   enqueued,
		"duplicates": duplicates,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
