// Package reconcile folds remote agreement snapshots into local
// document state. Reconciliation is idempotent — re-applying an
// unchanged snapshot writes nothing — and never fails on malformed
// snapshots; missing participant data degrades to a no-op.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"esign/pkg/domain"
	"esign/services/signing/internal/normalize"
	"esign/services/signing/internal/provider"
	"esign/services/signing/internal/ratelimit"
)

var ErrNoAgreement = errors.New("document has no remote agreement id")

// DocumentStore is the persistence seam. Single-document
// read-your-writes is assumed; cross-document transactions are not.
type DocumentStore interface {
	FindByID(ctx context.Context, id string) (*domain.Document, error)
	FindByAgreementID(ctx context.Context, agreementID string) (*domain.Document, error)
	Save(ctx context.Context, doc *domain.Document) error
}

// StatusFetcher is the slice of the provider client reconciliation
// needs.
type StatusFetcher interface {
	FetchAgreementStatus(ctx context.Context, agreementID string) (*normalize.AgreementSnapshot, error)
}

// Change records one field transition for logging and verification.
type Change struct {
	Entity string `json:"entity"`
	Field  string `json:"field"`
	Old    string `json:"old"`
	New    string `json:"new"`
}

// Outcome is the result of one reconciliation pass. Skipped means the
// rate-limit guard suppressed the remote fetch.
type Outcome struct {
	Document *domain.Document
	Snapshot *normalize.AgreementSnapshot
	Changes  []Change
	Skipped  bool
}

type Reconciler struct {
	Store   DocumentStore
	Fetcher StatusFetcher
	Guard   *ratelimit.Guard
	Logger  *slog.Logger

	// OverrideCompleted is the agreement-level truth policy: when the
	// agreement reads as signed but some recipient does not, the
	// recipient is forced to signed. Trades per-participant accuracy
	// for availability; on by default.
	OverrideCompleted bool

	Now func() time.Time
}

func New(store DocumentStore, fetcher StatusFetcher, guard *ratelimit.Guard, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		Store:             store,
		Fetcher:           fetcher,
		Guard:             guard,
		Logger:            logger,
		OverrideCompleted: true,
		Now:               time.Now,
	}
}

// Reconcile fetches the agreement snapshot and applies it, persisting
// only when something actually changed.
func (r *Reconciler) Reconcile(ctx context.Context, documentID string) (*Outcome, error) {
	doc, err := r.Store.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.AgreementID == "" {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNoAgreement)
	}
	if r.Guard != nil && r.Guard.Limited() {
		r.Logger.Info("reconcile skipped, provider rate limited", "document_id", documentID)
		return &Outcome{Document: doc, Skipped: true}, nil
	}

	snap, err := r.Fetcher.FetchAgreementStatus(ctx, doc.AgreementID)
	if err != nil {
		if retryAfter, ok := provider.IsRateLimited(err); ok && r.Guard != nil {
			r.Guard.Note(retryAfter)
			return &Outcome{Document: doc, Skipped: true}, nil
		}
		return nil, err
	}

	changes := r.Apply(doc, snap)
	if len(changes) > 0 {
		doc.UpdatedAt = r.Now().UTC()
		if err := r.Store.Save(ctx, doc); err != nil {
			return nil, err
		}
	}
	for _, ch := range changes {
		r.Logger.Info("reconciled field",
			"document_id", doc.ID, "entity", ch.Entity, "field", ch.Field,
			"old", ch.Old, "new", ch.New)
	}
	return &Outcome{Document: doc, Snapshot: snap, Changes: changes}, nil
}

// Apply folds the snapshot into the document in place and returns the
// change set. Pure with respect to the store; safe to call on any
// snapshot, including nil or participant-free ones.
func (r *Reconciler) Apply(doc *domain.Document, snap *normalize.AgreementSnapshot) []Change {
	var changes []Change
	now := r.Now().UTC()

	if snap == nil {
		return r.recomputeStatus(doc, nil)
	}
	if !snap.HasParticipants() {
		r.Logger.Warn("snapshot has no participant data, keeping local state",
			"document_id", doc.ID, "agreement_id", doc.AgreementID)
	} else {
		for _, set := range snap.ParticipantSets {
			for i := range set.Members {
				changes = append(changes, r.applyMember(doc, snap, set, set.Members[i], now)...)
			}
		}
	}

	if r.OverrideCompleted && normalize.AgreementSignedClass(snap.Status) {
		changes = append(changes, r.forceSigned(doc, now)...)
	}

	changes = append(changes, r.recomputeStatus(doc, snap)...)
	return changes
}

func (r *Reconciler) applyMember(doc *domain.Document, snap *normalize.AgreementSnapshot, set normalize.ParticipantSet, m normalize.Member, now time.Time) []Change {
	rec := r.matchRecipient(doc, set, m)
	if rec == nil {
		// An unmatched member alongside a delegated local recipient at
		// the same order is the delegate surfacing for the first time.
		if orig := r.delegatorFor(doc, snap, set); orig != nil {
			origEmail, origOld := orig.Email, orig.Status
			if err := doc.Delegate(origEmail, m.Email, m.Name); err == nil {
				r.Logger.Info("delegation detected",
					"document_id", doc.ID, "from", origEmail, "to", m.Email)
				return []Change{
					{Entity: "recipient:" + origEmail, Field: "status", Old: string(origOld), New: string(domain.RecipientWaiting)},
					{Entity: "recipient:" + m.Email, Field: "status", Old: "", New: string(domain.RecipientPending)},
				}
			}
		}
		r.Logger.Warn("remote member matches no local recipient",
			"document_id", doc.ID, "email", m.Email, "order", set.Order)
		return nil
	}

	var changes []Change
	cand := normalize.RecipientStatusOf(m.Status, snap.Status)
	// A delegator whose delegate is visible in the same set is waiting
	// on the delegate, not actionable itself.
	if strings.EqualFold(strings.TrimSpace(m.Status), "DELEGATED") && setHasOtherMember(set, m.Email) {
		cand = domain.RecipientWaiting
	}
	if rec.Status != cand {
		changes = append(changes, Change{
			Entity: "recipient:" + rec.Email, Field: "status",
			Old: string(rec.Status), New: string(cand),
		})
		rec.Status = cand
	}

	if rec.Status == domain.RecipientSigned {
		at := signedAtCandidate(snap, m, rec.Email)
		if at.IsZero() {
			at = now
		}
		if old := fmtTime(rec.SignedAt); domain.AdvanceTime(&rec.SignedAt, at) {
			changes = append(changes, Change{
				Entity: "recipient:" + rec.Email, Field: "signed_at",
				Old: old, New: fmtTime(rec.SignedAt),
			})
		}
	}

	if m.URLAccessedAt != nil {
		if old := fmtTime(rec.LastSigningURLAccessed); domain.AdvanceTime(&rec.LastSigningURLAccessed, *m.URLAccessedAt) {
			changes = append(changes, Change{
				Entity: "recipient:" + rec.Email, Field: "last_signing_url_accessed",
				Old: old, New: fmtTime(rec.LastSigningURLAccessed),
			})
		}
	}
	return changes
}

// matchRecipient resolves the local recipient for a remote member:
// case-insensitive email first, then position for sequential flow.
// Positional matching is weak and always logged.
func (r *Reconciler) matchRecipient(doc *domain.Document, set normalize.ParticipantSet, m normalize.Member) *domain.Recipient {
	if m.Email != "" {
		return doc.RecipientByEmail(m.Email)
	}
	if doc.SigningFlow != domain.FlowSequential || set.Order <= 0 {
		return nil
	}
	rec := doc.RecipientByOrder(set.Order)
	if rec != nil {
		r.Logger.Warn("matched recipient by position, remote member has no email",
			"document_id", doc.ID, "order", set.Order, "email", rec.Email)
	}
	return rec
}

// delegatorFor finds a local recipient at this set's order whose
// remote raw status says it delegated.
func (r *Reconciler) delegatorFor(doc *domain.Document, snap *normalize.AgreementSnapshot, set normalize.ParticipantSet) *domain.Recipient {
	for _, m := range set.Members {
		if !strings.EqualFold(strings.TrimSpace(m.Status), "DELEGATED") {
			continue
		}
		if rec := doc.RecipientByEmail(m.Email); rec != nil {
			return rec
		}
	}
	return nil
}

// forceSigned applies the agreement-level override: the agreement says
// everything is signed, so unsigned recipients are brought along even
// without per-participant evidence.
func (r *Reconciler) forceSigned(doc *domain.Document, now time.Time) []Change {
	var changes []Change
	for i := range doc.Recipients {
		rec := &doc.Recipients[i]
		if rec.Role != domain.RoleSigner || rec.Status == domain.RecipientSigned {
			continue
		}
		r.Logger.Info("override: agreement signed, forcing recipient to signed",
			"document_id", doc.ID, "email", rec.Email, "was", rec.Status)
		changes = append(changes, Change{
			Entity: "recipient:" + rec.Email, Field: "status",
			Old: string(rec.Status), New: string(domain.RecipientSigned),
		})
		rec.Status = domain.RecipientSigned
		if rec.SignedAt == nil {
			at := now
			rec.SignedAt = &at
			changes = append(changes, Change{
				Entity: "recipient:" + rec.Email, Field: "signed_at",
				Old: "", New: fmtTime(rec.SignedAt),
			})
		}
	}
	return changes
}

func (r *Reconciler) recomputeStatus(doc *domain.Document, snap *normalize.AgreementSnapshot) []Change {
	derived := domain.DeriveStatus(doc.Recipients)
	// Sender-side cancel and expiry arrive only at agreement level;
	// the recipient multiset cannot see them.
	if !derived.IsTerminal() && snap != nil {
		if agg := normalize.DocumentStatusOf(snap.Status); agg == domain.DocCancelled || agg == domain.DocExpired {
			derived = agg
		}
	}
	if doc.Status == derived {
		return nil
	}
	ch := Change{Entity: "document", Field: "status", Old: string(doc.Status), New: string(derived)}
	doc.Status = derived
	return []Change{ch}
}

// signedAtCandidate collects every plausible sign time the snapshot
// exposes for this member and returns the maximum. Zero when the
// snapshot offers no evidence at all.
func signedAtCandidate(snap *normalize.AgreementSnapshot, m normalize.Member, email string) time.Time {
	var best time.Time
	consider := func(t *time.Time) {
		if t != nil && t.After(best) {
			best = *t
		}
	}
	consider(m.CompletedAt)
	consider(m.StatusUpdatedAt)
	for _, ev := range snap.Events {
		if !strings.EqualFold(ev.ParticipantEmail, email) {
			continue
		}
		switch strings.ToUpper(ev.Type) {
		case "SIGNED", "ESIGNED", "ACTION_COMPLETED", "AGREEMENT_COMPLETED":
			consider(&ev.OccurredAt)
		}
	}
	return best
}

func setHasOtherMember(set normalize.ParticipantSet, email string) bool {
	for _, m := range set.Members {
		if m.Email != "" && !strings.EqualFold(m.Email, email) {
			return true
		}
	}
	return false
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
