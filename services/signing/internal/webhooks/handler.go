// Package webhooks receives provider event callbacks and turns them
// into reconciliations. The payload is never trusted directly: it only
// tells us which agreement to go look at.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"esign/pkg/domain"
	"esign/pkg/httpx"
	pkgwebhooks "esign/pkg/webhooks"
	"esign/services/signing/internal/reconcile"
	"esign/services/signing/internal/store"
)

const maxWebhookBodyBytes = 5 << 20 // 5MB

type StatusReconciler interface {
	Reconcile(ctx context.Context, documentID string) (*reconcile.Outcome, error)
}

type ReminderClearer interface {
	Clear(documentID string) bool
}

type DocumentFinder interface {
	FindByAgreementID(ctx context.Context, agreementID string) (*domain.Document, error)
}

type IngressHandler struct {
	Store      DocumentFinder
	Reconciler StatusReconciler
	Reminders  ReminderClearer
	Secret     string
	Logger     *slog.Logger

	verifier pkgwebhooks.Verifier
}

func NewIngressHandler(st DocumentFinder, rec StatusReconciler, reminders ReminderClearer, secret string, logger *slog.Logger) *IngressHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngressHandler{
		Store:      st,
		Reconciler: rec,
		Reminders:  reminders,
		Secret:     secret,
		Logger:     logger,
		verifier:   pkgwebhooks.NewEsignV1Verifier(),
	}
}

type eventPayload struct {
	Event     string `json:"event"`
	Agreement struct {
		ID string `json:"id"`
	} `json:"agreement"`
}

func (h *IngressHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, 413, "PAYLOAD_TOO_LARGE", "payload exceeds 5MB limit", nil)
			return
		}
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}

	result, err := h.verifier.Verify(r.Header, rawBody, time.Now().UTC(), h.Secret)
	if err != nil {
		httpx.WriteError(w, 500, "VERIFIER_ERROR", err.Error(), nil)
		return
	}
	if !result.Valid {
		h.Logger.Warn("webhook signature rejected", "details", result.Details)
		httpx.WriteError(w, 401, "INVALID_SIGNATURE", "webhook signature verification failed", nil)
		return
	}

	var payload eventPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil || payload.Agreement.ID == "" {
		httpx.WriteError(w, 400, "BAD_EVENT", "event payload carries no agreement id", nil)
		return
	}

	doc, err := h.Store.FindByAgreementID(r.Context(), payload.Agreement.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Not ours (or not yet recovered); acknowledge so the
			// provider stops retrying.
			h.Logger.Info("webhook for unknown agreement",
				"agreement_id", payload.Agreement.ID, "event", result.EventType)
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(), "accepted": true, "known": false,
			})
			return
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}

	out, err := h.Reconciler.Reconcile(r.Context(), doc.ID)
	if err != nil {
		// The webhook was valid; reconciliation will be retried by the
		// next trigger. Do not make the provider re-deliver.
		h.Logger.Warn("webhook reconcile failed", "document_id", doc.ID, "err", err)
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.NewRequestID(), "accepted": true, "reconciled": false,
		})
		return
	}

	if !out.Document.Status.ReminderEligible() && h.Reminders != nil {
		if h.Reminders.Clear(doc.ID) {
			h.Logger.Info("reminders cleared by webhook",
				"document_id", doc.ID, "status", out.Document.Status)
		}
	}

	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"accepted":   true,
		"reconciled": true,
		"document":   doc.ID,
		"changes":    len(out.Changes),
	})
}
