package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"esign/services/signing/internal/normalize"
)

// Report compares local recipient state against the remote snapshot
// without modifying anything. Used for troubleshooting discrepancies.
type Report struct {
	DocumentID     string      `json:"document_id"`
	AgreementID    string      `json:"agreement_id"`
	LocalStatus    string      `json:"local_status"`
	RemoteStatus   string      `json:"remote_status"`
	Rows           []ReportRow `json:"rows"`
	MismatchCount  int         `json:"mismatch_count"`
	CheckedAt      time.Time   `json:"checked_at"`
	RateLimited    bool        `json:"rate_limited,omitempty"`
}

type ReportRow struct {
	Email            string `json:"email"`
	LocalStatus      string `json:"local_status,omitempty"`
	RemoteRawStatus  string `json:"remote_raw_status,omitempty"`
	RemoteNormalized string `json:"remote_normalized,omitempty"`
	Match            bool   `json:"match"`
	Note             string `json:"note,omitempty"`
}

// Verify builds a local-vs-remote diagnostic report. Read-only: the
// document is not reconciled or saved.
func (r *Reconciler) Verify(ctx context.Context, documentID string) (*Report, error) {
	doc, err := r.Store.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.AgreementID == "" {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNoAgreement)
	}
	rep := &Report{
		DocumentID:  doc.ID,
		AgreementID: doc.AgreementID,
		LocalStatus: string(doc.Status),
		CheckedAt:   r.Now().UTC(),
	}
	if r.Guard != nil && r.Guard.Limited() {
		rep.RateLimited = true
		return rep, nil
	}
	snap, err := r.Fetcher.FetchAgreementStatus(ctx, doc.AgreementID)
	if err != nil {
		return nil, err
	}
	rep.RemoteStatus = snap.Status

	remote := map[string]normalize.Member{}
	for _, set := range snap.ParticipantSets {
		for _, m := range set.Members {
			if m.Email != "" {
				remote[strings.ToLower(m.Email)] = m
			}
		}
	}

	for _, rec := range doc.Recipients {
		row := ReportRow{Email: rec.Email, LocalStatus: string(rec.Status)}
		if m, ok := remote[strings.ToLower(rec.Email)]; ok {
			row.RemoteRawStatus = m.Status
			row.RemoteNormalized = string(normalize.RecipientStatusOf(m.Status, snap.Status))
			row.Match = row.RemoteNormalized == row.LocalStatus
			delete(remote, strings.ToLower(rec.Email))
		} else {
			row.Note = "no matching remote participant"
		}
		if !row.Match {
			rep.MismatchCount++
		}
		rep.Rows = append(rep.Rows, row)
	}
	for _, m := range remote {
		rep.MismatchCount++
		rep.Rows = append(rep.Rows, ReportRow{
			Email:            m.Email,
			RemoteRawStatus:  m.Status,
			RemoteNormalized: string(normalize.RecipientStatusOf(m.Status, snap.Status)),
			Note:             "no matching local recipient",
		})
	}
	return rep, nil
}
