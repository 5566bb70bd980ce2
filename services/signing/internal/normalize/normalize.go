// Package normalize maps the remote provider's status vocabulary onto
// the canonical local enums. Classification is a static many-to-one
// lookup; unrecognized tokens take an asymmetric fallback so a new
// provider status can never leave a document permanently stuck.
package normalize

import (
	"sort"
	"strings"

	"esign/pkg/domain"
)

// memberStatus maps provider member-level tokens to canonical
// recipient statuses.
var memberStatus = map[string]domain.RecipientStatus{
	"SIGNED":                      domain.RecipientSigned,
	"COMPLETED":                   domain.RecipientSigned,
	"APPROVED":                    domain.RecipientSigned,
	"ACCEPTED":                    domain.RecipientSigned,
	"FORM_FILLED":                 domain.RecipientSigned,
	"ACKNOWLEDGED":                domain.RecipientSigned,
	"WAITING_FOR_MY_SIGNATURE":    domain.RecipientSent,
	"WAITING_FOR_MY_APPROVAL":     domain.RecipientSent,
	"WAITING_FOR_MY_ACCEPTANCE":   domain.RecipientSent,
	"WAITING_FOR_MY_FORM_FILLING": domain.RecipientSent,
	"OUT_FOR_SIGNATURE":           domain.RecipientSent,
	"ACTION_REQUESTED":            domain.RecipientSent,
	"ACTIVE":                      domain.RecipientSent,
	"DELEGATED":                   domain.RecipientSent,
	"EMAIL_VIEWED":                domain.RecipientViewed,
	"VIEWED":                      domain.RecipientViewed,
	"NOT_YET_VISIBLE":             domain.RecipientWaiting,
	"WAITING_FOR_OTHERS":          domain.RecipientWaiting,
	"WAITING_FOR_AUTHORING":       domain.RecipientWaiting,
	"DECLINED":                    domain.RecipientDeclined,
	"REJECTED":                    domain.RecipientDeclined,
	"RECALLED":                    domain.RecipientDeclined,
	"EXPIRED":                     domain.RecipientExpired,
	"CREATED":                     domain.RecipientPending,
	"NOT_YET_ACTIVE":              domain.RecipientPending,
}

// agreementSigned holds the agreement-level tokens that mean the whole
// agreement is done.
var agreementSigned = map[string]bool{
	"SIGNED":      true,
	"COMPLETED":   true,
	"APPROVED":    true,
	"ACCEPTED":    true,
	"FORM_FILLED": true,
}

// agreementStatus maps provider agreement-level tokens to canonical
// document statuses.
var agreementStatus = map[string]domain.DocumentStatus{
	"SIGNED":             domain.DocCompleted,
	"COMPLETED":          domain.DocCompleted,
	"APPROVED":           domain.DocCompleted,
	"ACCEPTED":           domain.DocCompleted,
	"FORM_FILLED":        domain.DocCompleted,
	"OUT_FOR_SIGNATURE":  domain.DocOutForSignature,
	"OUT_FOR_APPROVAL":   domain.DocOutForSignature,
	"OUT_FOR_ACCEPTANCE": domain.DocOutForSignature,
	"OUT_FOR_DELIVERY":   domain.DocOutForSignature,
	"IN_PROCESS":         domain.DocSentForSignature,
	"AUTHORING":          domain.DocReadyForSignature,
	"DRAFT":              domain.DocReadyForSignature,
	"PREFILL":            domain.DocReadyForSignature,
	"CANCELLED":          domain.DocCancelled,
	"RECALLED":           domain.DocCancelled,
	"EXPIRED":            domain.DocExpired,
	"ARCHIVED":           domain.DocCompleted,
	"DOCUMENTS_NOT_YET_PROCESSED": domain.DocProcessing,
}

// AgreementSignedClass reports whether the agreement-level token means
// the agreement is fully executed.
func AgreementSignedClass(status string) bool {
	return agreementSigned[canon(status)]
}

// RecipientStatusOf classifies one member-level token. Unknown tokens
// fall back to signed when the agreement itself reads as signed, and
// to sent otherwise — a participant is never silently dropped.
func RecipientStatusOf(memberToken, agreementToken string) domain.RecipientStatus {
	if st, ok := memberStatus[canon(memberToken)]; ok {
		return st
	}
	if AgreementSignedClass(agreementToken) {
		return domain.RecipientSigned
	}
	return domain.RecipientSent
}

// DocumentStatusOf classifies the agreement-level token. Unknown
// tokens map to out_for_signature, the safe still-in-flight reading.
func DocumentStatusOf(agreementToken string) domain.DocumentStatus {
	if st, ok := agreementStatus[canon(agreementToken)]; ok {
		return st
	}
	return domain.DocOutForSignature
}

// ReminderEligible reports whether the agreement-level token still
// permits reminding anyone.
func ReminderEligible(agreementToken string) bool {
	return DocumentStatusOf(agreementToken).ReminderEligible()
}

// IsSequential classifies the signing topology: sequential iff every
// signer participant set carries a distinct, defined order and there
// are at least two of them.
func IsSequential(snap *AgreementSnapshot) bool {
	if snap == nil {
		return false
	}
	seen := map[int]bool{}
	signers := 0
	for _, ps := range snap.ParticipantSets {
		if !strings.EqualFold(ps.Role, "SIGNER") && ps.Role != "" {
			continue
		}
		signers++
		if ps.Order <= 0 || seen[ps.Order] {
			return false
		}
		seen[ps.Order] = true
	}
	return signers >= 2
}

// SortedSets returns the participant sets in ascending order. The
// snapshot itself is left untouched.
func SortedSets(snap *AgreementSnapshot) []ParticipantSet {
	out := make([]ParticipantSet, len(snap.ParticipantSets))
	copy(out, snap.ParticipantSets)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func canon(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
