package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrRecipientNotFound  = errors.New("recipient not found")
	ErrDuplicateRecipient = errors.New("recipient email already present")
)

// Document is one signature workflow instance. AgreementID is empty
// until the remote send succeeds or recovery adopts an existing
// remote agreement.
type Document struct {
	ID               string         `json:"id"`
	AgreementID      string         `json:"agreement_id,omitempty"`
	Title            string         `json:"title"`
	Status           DocumentStatus `json:"status"`
	SigningFlow      SigningFlow    `json:"signing_flow"`
	Recipients       []Recipient    `json:"recipients"`
	LastReminderSent *time.Time     `json:"last_reminder_sent,omitempty"`
	ReminderCount    int            `json:"reminder_count"`
	RecoveryApplied  bool           `json:"recovery_applied,omitempty"`
	RecoveryMethod   string         `json:"recovery_method,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Recipient is one participant in a Document. Email is the match key
// against remote participants (case-insensitive). Order is 1-based and
// authoritative for sequential tie-breaks.
type Recipient struct {
	Email                  string          `json:"email"`
	Name                   string          `json:"name"`
	Order                  int             `json:"order"`
	Role                   RecipientRole   `json:"role"`
	Status                 RecipientStatus `json:"status"`
	SignedAt               *time.Time      `json:"signed_at,omitempty"`
	LastReminderSent       *time.Time      `json:"last_reminder_sent,omitempty"`
	LastSigningURLAccessed *time.Time      `json:"last_signing_url_accessed,omitempty"`
}

// RecipientByEmail resolves a recipient by case-insensitive email.
// Returns nil when absent.
func (d *Document) RecipientByEmail(email string) *Recipient {
	for i := range d.Recipients {
		if strings.EqualFold(d.Recipients[i].Email, email) {
			return &d.Recipients[i]
		}
	}
	return nil
}

// RecipientByOrder resolves the first recipient with the given 1-based
// order. Positional matching is only meaningful for sequential flow.
func (d *Document) RecipientByOrder(order int) *Recipient {
	for i := range d.Recipients {
		if d.Recipients[i].Order == order {
			return &d.Recipients[i]
		}
	}
	return nil
}

// Signers returns the recipients holding the signer role.
func (d *Document) Signers() []*Recipient {
	var out []*Recipient
	for i := range d.Recipients {
		if d.Recipients[i].Role == RoleSigner {
			out = append(out, &d.Recipients[i])
		}
	}
	return out
}

// Delegate records that the recipient identified by fromEmail handed
// the signing task to delegateEmail. The original moves to waiting and
// a new pending recipient is appended at the same order.
func (d *Document) Delegate(fromEmail, delegateEmail, delegateName string) error {
	orig := d.RecipientByEmail(fromEmail)
	if orig == nil {
		return ErrRecipientNotFound
	}
	if d.RecipientByEmail(delegateEmail) != nil {
		return ErrDuplicateRecipient
	}
	orig.Status = RecipientWaiting
	d.Recipients = append(d.Recipients, Recipient{
		Email:  delegateEmail,
		Name:   delegateName,
		Order:  orig.Order,
		Role:   orig.Role,
		Status: RecipientPending,
	})
	return nil
}

// DeriveStatus recomputes the document status from the recipient
// multiset. Precedence: declined > expired > completed > partially
// signed > out for signature > sent for signature. Declines always win
// because a declined agreement is dead regardless of other progress.
func DeriveStatus(recipients []Recipient) DocumentStatus {
	var (
		signers    int
		signed     int
		declined   bool
		expired    bool
		actionable bool
	)
	for _, r := range recipients {
		switch r.Status {
		case RecipientDeclined:
			declined = true
		case RecipientExpired:
			expired = true
		}
		if r.Role != RoleSigner {
			continue
		}
		signers++
		switch r.Status {
		case RecipientSigned:
			signed++
		case RecipientSent, RecipientViewed:
			actionable = true
		}
	}
	switch {
	case declined:
		return DocCancelled
	case expired:
		return DocExpired
	case signers > 0 && signed == signers:
		return DocCompleted
	case signed > 0:
		return DocPartiallySigned
	case actionable:
		return DocOutForSignature
	default:
		return DocSentForSignature
	}
}

// AdvanceTime overwrites *dst with candidate only when candidate is
// later. Timestamps never regress under repeated reconciliation.
func AdvanceTime(dst **time.Time, candidate time.Time) bool {
	if candidate.IsZero() {
		return false
	}
	if *dst != nil && !candidate.After(**dst) {
		return false
	}
	c := candidate
	*dst = &c
	return true
}
