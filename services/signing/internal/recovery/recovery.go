// Package recovery locates remote agreements that may already exist
// after an ambiguous send failure. It only searches and confirms —
// re-creating an agreement would double-send a legal document, so the
// provider surface exposed here deliberately has no create call.
package recovery

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"esign/pkg/domain"
	"esign/services/signing/internal/normalize"
	"esign/services/signing/internal/provider"
	"esign/services/signing/internal/reconcile"
)

// FreshnessWindow bounds name-based matching: an agreement older than
// this is a coincidental name collision, not our lost create.
const FreshnessWindow = time.Hour

// ProviderAPI is the read-only slice of the provider client recovery
// may touch.
type ProviderAPI interface {
	FetchAgreementStatus(ctx context.Context, agreementID string) (*normalize.AgreementSnapshot, error)
	SearchAgreements(ctx context.Context, name, recipientEmail string) ([]provider.AgreementSummary, error)
}

type Options struct {
	// Aggressive permits marking the document sent without remote
	// confirmation. Preferring "probably fine" over blocking the user
	// is an explicit business tradeoff, recorded in RecoveryMethod.
	Aggressive bool
	// ForceCheck re-runs verification even for documents already
	// marked sent.
	ForceCheck bool
}

// Result is one strategy's successful finding.
type Result struct {
	AgreementID string
	Method      string
	Verified    bool
}

// Strategy is one way of locating the lost agreement. Returning
// (nil, nil) means "no luck, try the next one".
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, doc *domain.Document, opts Options) (*Result, error)
}

// Outcome reports what recovery did to the document.
type Outcome struct {
	Document  *domain.Document
	Recovered bool
	Method    string
}

type Verifier struct {
	Store      reconcile.DocumentStore
	Logger     *slog.Logger
	Now        func() time.Time
	strategies []Strategy
}

func New(store reconcile.DocumentStore, api ProviderAPI, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{Store: store, Logger: logger, Now: time.Now}
	v.strategies = []Strategy{
		&directLookup{api: api},
		&nameSearch{api: api, now: func() time.Time { return v.Now() }},
		&aggressive{},
	}
	return v
}

// Recover runs the strategy chain, first success wins, and applies the
// finding to the document.
func (v *Verifier) Recover(ctx context.Context, documentID string, opts Options) (*Outcome, error) {
	doc, err := v.Store.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status.IsTerminal() {
		return &Outcome{Document: doc}, nil
	}
	if doc.Status == domain.DocSentForSignature && doc.AgreementID != "" && !opts.ForceCheck {
		return &Outcome{Document: doc, Recovered: doc.RecoveryApplied, Method: doc.RecoveryMethod}, nil
	}

	for _, s := range v.strategies {
		res, err := s.Attempt(ctx, doc, opts)
		if err != nil {
			v.Logger.Warn("recovery strategy failed, trying next",
				"document_id", doc.ID, "strategy", s.Name(), "err", err)
			continue
		}
		if res == nil {
			continue
		}
		v.Logger.Info("recovery strategy succeeded",
			"document_id", doc.ID, "strategy", s.Name(), "method", res.Method,
			"agreement_id", res.AgreementID, "verified", res.Verified)
		if err := v.apply(ctx, doc, res); err != nil {
			return nil, err
		}
		return &Outcome{Document: doc, Recovered: true, Method: res.Method}, nil
	}

	v.Logger.Info("recovery found nothing", "document_id", doc.ID)
	return &Outcome{Document: doc}, nil
}

func (v *Verifier) apply(ctx context.Context, doc *domain.Document, res *Result) error {
	if res.AgreementID != "" {
		doc.AgreementID = res.AgreementID
	}
	doc.RecoveryApplied = true
	doc.RecoveryMethod = res.Method
	for i := range doc.Recipients {
		if doc.Recipients[i].Status == domain.RecipientPending {
			doc.Recipients[i].Status = domain.RecipientSent
		}
	}
	// Retroactive forward move: the send did happen (or is assumed to
	// have), so ready_for_signature documents advance.
	if doc.Status == domain.DocReadyForSignature || doc.Status == domain.DocUploaded ||
		doc.Status == domain.DocProcessing || doc.Status == domain.DocFailed {
		doc.Status = domain.DocSentForSignature
	}
	doc.UpdatedAt = v.Now().UTC()
	return v.Store.Save(ctx, doc)
}

// directLookup verifies a locally recorded agreement id by fetching
// it. Any non-error response proves the create landed.
type directLookup struct {
	api ProviderAPI
}

func (s *directLookup) Name() string { return "direct_lookup" }

func (s *directLookup) Attempt(ctx context.Context, doc *domain.Document, _ Options) (*Result, error) {
	if doc.AgreementID == "" {
		return nil, nil
	}
	if _, err := s.api.FetchAgreementStatus(ctx, doc.AgreementID); err != nil {
		if provider.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &Result{AgreementID: doc.AgreementID, Method: "verification", Verified: true}, nil
}

// nameSearch looks for a freshly created remote agreement whose name
// matches the document title, restricted by recipient email when one
// is known.
type nameSearch struct {
	api ProviderAPI
	now func() time.Time
}

func (s *nameSearch) Name() string { return "name_search" }

func (s *nameSearch) Attempt(ctx context.Context, doc *domain.Document, _ Options) (*Result, error) {
	if strings.TrimSpace(doc.Title) == "" {
		return nil, nil
	}
	email := ""
	if signers := doc.Signers(); len(signers) > 0 {
		email = signers[0].Email
	}
	hits, err := s.api.SearchAgreements(ctx, doc.Title, email)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-FreshnessWindow)
	for _, hit := range hits {
		if hit.CreatedAt.IsZero() || hit.CreatedAt.Before(cutoff) {
			continue
		}
		if len(hit.RecipientEmails) > 0 && !containsRecipient(hit.RecipientEmails, doc) {
			continue
		}
		return &Result{AgreementID: hit.ID, Method: "recipient_search", Verified: true}, nil
	}
	return nil, nil
}

// aggressive assumes the send landed even though nothing confirmed it.
// Runs last and only when the caller opted in.
type aggressive struct{}

func (s *aggressive) Name() string { return "aggressive" }

func (s *aggressive) Attempt(_ context.Context, _ *domain.Document, opts Options) (*Result, error) {
	if !opts.Aggressive {
		return nil, nil
	}
	return &Result{Method: "aggressive", Verified: false}, nil
}

func containsRecipient(emails []string, doc *domain.Document) bool {
	for _, e := range emails {
		if doc.RecipientByEmail(e) != nil {
			return true
		}
	}
	return false
}
