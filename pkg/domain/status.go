package domain

// DocumentStatus is the canonical lifecycle state of a signature workflow.
type DocumentStatus string

const (
	DocUploaded          DocumentStatus = "uploaded"
	DocProcessing        DocumentStatus = "processing"
	DocReadyForSignature DocumentStatus = "ready_for_signature"
	DocSentForSignature  DocumentStatus = "sent_for_signature"
	DocOutForSignature   DocumentStatus = "out_for_signature"
	DocPartiallySigned   DocumentStatus = "partially_signed"
	DocCompleted         DocumentStatus = "completed"
	DocCancelled         DocumentStatus = "cancelled"
	DocExpired           DocumentStatus = "expired"
	DocFailed            DocumentStatus = "failed"
)

// RecipientStatus is the canonical state of one participant.
type RecipientStatus string

const (
	RecipientPending  RecipientStatus = "pending"
	RecipientSent     RecipientStatus = "sent"
	RecipientViewed   RecipientStatus = "viewed"
	RecipientSigned   RecipientStatus = "signed"
	RecipientDeclined RecipientStatus = "declined"
	RecipientExpired  RecipientStatus = "expired"
	RecipientWaiting  RecipientStatus = "waiting"
)

// SigningFlow distinguishes ordered signing from everyone-at-once.
type SigningFlow string

const (
	FlowSequential SigningFlow = "SEQUENTIAL"
	FlowParallel   SigningFlow = "PARALLEL"
)

// RecipientRole distinguishes signers from carbon-copy recipients.
type RecipientRole string

const (
	RoleSigner RecipientRole = "signer"
	RoleCC     RecipientRole = "cc"
)

// IsTerminal reports whether no further transitions are expected.
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case DocCompleted, DocCancelled, DocExpired, DocFailed:
		return true
	}
	return false
}

// ReminderEligible reports whether a document in this status is still
// awaiting signer action and may receive reminders.
func (s DocumentStatus) ReminderEligible() bool {
	switch s {
	case DocSentForSignature, DocOutForSignature, DocPartiallySigned:
		return true
	}
	return false
}

// Actionable reports whether the recipient currently holds the turn
// and can act (has received, or has opened, the signing request).
func (s RecipientStatus) Actionable() bool {
	return s == RecipientSent || s == RecipientViewed
}
