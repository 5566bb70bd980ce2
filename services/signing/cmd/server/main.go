package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"esign/pkg/db"
	"esign/pkg/domain"
	"esign/pkg/httpx"
	"esign/services/signing/internal/provider"
	"esign/services/signing/internal/ratelimit"
	"esign/services/signing/internal/reconcile"
	"esign/services/signing/internal/recovery"
	"esign/services/signing/internal/reminder"
	"esign/services/signing/internal/store"
	"esign/services/signing/internal/webhooks"

	"github.com/go-chi/chi/v5"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := strings.TrimSpace(os.Getenv("SERVICE_PORT"))
	if port == "" {
		port = "8085"
	}
	baseURL := strings.TrimSpace(os.Getenv("ESIGN_BASE_URL"))
	apiKey := strings.TrimSpace(os.Getenv("ESIGN_API_KEY"))
	webhookSecret := strings.TrimSpace(os.Getenv("ESIGN_WEBHOOK_SECRET"))
	if baseURL == "" || apiKey == "" {
		logger.Error("ESIGN_BASE_URL and ESIGN_API_KEY are required")
		os.Exit(1)
	}
	if webhookSecret == "" {
		logger.Warn("ESIGN_WEBHOOK_SECRET not set, webhook ingress will reject all events")
	}

	var docs reconcile.DocumentStore
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		pool, err := db.Connect(context.Background(), dsn)
		if err != nil {
			logger.Error("database connect failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		docs = store.New(pool)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory document store")
		docs = store.NewMemory()
	}

	client := provider.New(baseURL, apiKey)
	client.Logger = logger
	guard := ratelimit.NewGuard(logger)
	reconciler := reconcile.New(docs, client, guard, logger)
	verifier := recovery.New(docs, client, logger)
	scheduler := reminder.NewScheduler(reconciler, client, guard, logger)

	r := chi.NewRouter()
	r.Use(httpx.RequestLogger(logger))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/signing", func(api chi.Router) {
		api.Post("/documents", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Title       string `json:"title"`
				SigningFlow string `json:"signing_flow"`
				Recipients  []struct {
					Email string `json:"email"`
					Name  string `json:"name"`
					Order int    `json:"order"`
					Role  string `json:"role"`
				} `json:"recipients"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if strings.TrimSpace(req.Title) == "" || len(req.Recipients) == 0 {
				httpx.WriteError(w, 400, "BAD_REQUEST", "title and recipients are required", nil)
				return
			}
			flow := domain.FlowParallel
			if strings.EqualFold(strings.TrimSpace(req.SigningFlow), string(domain.FlowSequential)) {
				flow = domain.FlowSequential
			}
			now := time.Now().UTC()
			doc := &domain.Document{
				ID:          store.NewDocumentID(),
				Title:       strings.TrimSpace(req.Title),
				Status:      domain.DocReadyForSignature,
				SigningFlow: flow,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			for _, rec := range req.Recipients {
				email := strings.ToLower(strings.TrimSpace(rec.Email))
				if email == "" {
					httpx.WriteError(w, 400, "BAD_REQUEST", "recipient email is required", nil)
					return
				}
				role := domain.RoleSigner
				if strings.EqualFold(rec.Role, string(domain.RoleCC)) {
					role = domain.RoleCC
				}
				doc.Recipients = append(doc.Recipients, domain.Recipient{
					Email:  email,
					Name:   strings.TrimSpace(rec.Name),
					Order:  rec.Order,
					Role:   role,
					Status: domain.RecipientPending,
				})
			}
			if err := docs.Save(r.Context(), doc); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id": httpx.NewRequestID(),
				"document":   doc,
			})
		})

		api.Post("/documents/{document_id}/send", func(w http.ResponseWriter, r *http.Request) {
			documentID := chi.URLParam(r, "document_id")
			var req struct {
				Filename      string `json:"filename"`
				ContentBase64 string `json:"content_base64"`
				Message       string `json:"message"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			doc, err := docs.FindByID(r.Context(), documentID)
			if err != nil {
				writeReconcileError(w, err)
				return
			}
			if doc.AgreementID != "" {
				httpx.WriteError(w, 409, "ALREADY_SENT", "document already has a provider agreement", nil)
				return
			}
			content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
			if err != nil || len(content) == 0 {
				httpx.WriteError(w, 400, "BAD_REQUEST", "content_base64 must decode to a non-empty file", nil)
				return
			}
			filename := strings.TrimSpace(req.Filename)
			if filename == "" {
				filename = doc.Title + ".pdf"
			}

			transientID, err := client.UploadDocument(r.Context(), filename, content)
			if err != nil {
				writeSendError(w, documentID, err)
				return
			}
			creq := provider.CreateAgreementRequest{
				Name:                doc.Title,
				TransientDocumentID: transientID,
				SignatureFlow:       string(doc.SigningFlow),
				Message:             req.Message,
			}
			for _, rec := range doc.Recipients {
				role := "SIGNER"
				if rec.Role == domain.RoleCC {
					role = "CC"
				}
				creq.Participants = append(creq.Participants, provider.CreateParticipant{
					Email: rec.Email, Name: rec.Name, Order: rec.Order, Role: role,
				})
			}
			agreementID, err := client.CreateAgreement(r.Context(), creq)
			if err != nil {
				writeSendError(w, documentID, err)
				return
			}

			doc.AgreementID = agreementID
			doc.Status = domain.DocSentForSignature
			for i := range doc.Recipients {
				if doc.Recipients[i].Status == domain.RecipientPending {
					doc.Recipients[i].Status = domain.RecipientSent
				}
			}
			doc.UpdatedAt = time.Now().UTC()
			if err := docs.Save(r.Context(), doc); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":   httpx.NewRequestID(),
				"document_id":  doc.ID,
				"agreement_id": agreementID,
				"status":       doc.Status,
			})
		})

		api.Post("/documents/{document_id}/reconcile", func(w http.ResponseWriter, r *http.Request) {
			documentID := chi.URLParam(r, "document_id")
			out, err := reconciler.Reconcile(r.Context(), documentID)
			if err != nil {
				writeReconcileError(w, err)
				return
			}
			resp := map[string]any{
				"request_id":  httpx.NewRequestID(),
				"document_id": documentID,
				"status":      out.Document.Status,
				"changes":     out.Changes,
				"skipped":     out.Skipped,
			}
			if out.Skipped {
				resp["rate_limit"] = guard.Snapshot()
			}
			httpx.WriteJSON(w, 200, resp)
		})

		api.Get("/documents/{document_id}/verify", func(w http.ResponseWriter, r *http.Request) {
			documentID := chi.URLParam(r, "document_id")
			report, err := reconciler.Verify(r.Context(), documentID)
			if err != nil {
				writeReconcileError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"report":     report,
			})
		})

		api.Post("/documents/{document_id}/recover", func(w http.ResponseWriter, r *http.Request) {
			documentID := chi.URLParam(r, "document_id")
			var req struct {
				Aggressive bool `json:"aggressive"`
				ForceCheck bool `json:"force_check"`
			}
			if r.ContentLength > 0 {
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
					return
				}
			}
			out, err := verifier.Recover(r.Context(), documentID, recovery.Options{
				Aggressive: req.Aggressive,
				ForceCheck: req.ForceCheck,
			})
			if err != nil {
				writeReconcileError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":   httpx.NewRequestID(),
				"document_id":  documentID,
				"recovered":    out.Recovered,
				"method":       out.Method,
				"status":       out.Document.Status,
				"agreement_id": out.Document.AgreementID,
			})
		})

		api.Post("/documents/{document_id}/reminders", func(w http.ResponseWriter, r *http.Request) {
			documentID := chi.URLParam(r, "document_id")
			var req struct {
				Urgency             string `json:"urgency"`
				CustomScheduleHours []int  `json:"custom_schedule_hours"`
				AutoReminders       *bool  `json:"auto_reminders"`
			}
			if r.ContentLength > 0 {
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
					return
				}
			}
			if req.AutoReminders != nil && !*req.AutoReminders {
				scheduler.Clear(documentID)
				httpx.WriteJSON(w, 200, map[string]any{
					"request_id":  httpx.NewRequestID(),
					"document_id": documentID,
					"scheduled":   false,
				})
				return
			}
			opts := reminder.Options{Urgency: reminder.Urgency(strings.ToLower(strings.TrimSpace(req.Urgency)))}
			for _, h := range req.CustomScheduleHours {
				if h <= 0 {
					httpx.WriteError(w, 400, "BAD_REQUEST", "custom schedule hours must be positive", nil)
					return
				}
				opts.CustomOffsets = append(opts.CustomOffsets, time.Duration(h)*time.Hour)
			}
			plan, err := scheduler.Schedule(r.Context(), documentID, opts)
			if err != nil {
				switch {
				case errors.Is(err, reminder.ErrNotEligible):
					httpx.WriteError(w, 409, "NOT_ELIGIBLE", "document is not awaiting signer action", nil)
				case errors.Is(err, reminder.ErrRateLimited):
					httpx.WriteError(w, 429, "RATE_LIMITED", "provider rate limit active", guard.Snapshot())
				default:
					writeReconcileError(w, err)
				}
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id": httpx.NewRequestID(),
				"scheduled":  true,
				"plan":       plan,
			})
		})

		api.Get("/documents/{document_id}/reminders", func(w http.ResponseWriter, r *http.Request) {
			documentID := chi.URLParam(r, "document_id")
			plan, ok := scheduler.Status(documentID)
			if !ok {
				httpx.WriteError(w, 404, "NOT_FOUND", "no active reminder plan for document", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"plan":       plan,
			})
		})

		api.Delete("/documents/{document_id}/reminders", func(w http.ResponseWriter, r *http.Request) {
			documentID := chi.URLParam(r, "document_id")
			cleared := scheduler.Clear(documentID)
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":  httpx.NewRequestID(),
				"document_id": documentID,
				"cleared":     cleared,
			})
		})

		ingress := webhooks.NewIngressHandler(docs, reconciler, scheduler, webhookSecret, logger)
		api.Post("/webhooks/esign", ingress.HandleEvent)
	})

	logger.Info("signing service listening", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

// writeSendError distinguishes the failure whose remote outcome is
// unknown: the agreement may exist even though the call errored, so the
// caller is pointed at recovery instead of retrying the send.
func writeSendError(w http.ResponseWriter, documentID string, err error) {
	if provider.IsAmbiguous(err) {
		httpx.WriteError(w, 502, "AMBIGUOUS_SEND", err.Error(), map[string]any{
			"document_id": documentID,
			"hint":        "POST /signing/documents/" + documentID + "/recover before retrying",
		})
		return
	}
	writeReconcileError(w, err)
}

func writeReconcileError(w http.ResponseWriter, err error) {
	_, rateLimited := provider.IsRateLimited(err)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", "document not found", nil)
	case errors.Is(err, reconcile.ErrNoAgreement):
		httpx.WriteError(w, 409, "NO_AGREEMENT", "document has no provider agreement id", nil)
	case rateLimited:
		httpx.WriteError(w, 429, "RATE_LIMITED", "provider rate limit active", nil)
	case provider.IsNotFound(err):
		httpx.WriteError(w, 404, "AGREEMENT_NOT_FOUND", "agreement not found at provider", nil)
	case provider.IsAmbiguous(err):
		httpx.WriteError(w, 502, "PROVIDER_AMBIGUOUS", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
	}
}
