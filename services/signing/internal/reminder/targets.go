package reminder

import (
	"log/slog"

	"esign/pkg/domain"
	"esign/services/signing/internal/normalize"
)

// Target is one remote member to nag. MemberID is the provider's
// member identifier — the participant-set id is never a valid target.
type Target struct {
	MemberID string
	Email    string
}

// Targets selects who to remind from a freshly reconciled snapshot.
// Sequential flow picks the single active participant set (the first
// one not yet fully done); parallel flow picks everyone actionable.
// Signed and declined members are always excluded.
func Targets(sequential bool, snap *normalize.AgreementSnapshot, logger *slog.Logger) []Target {
	if snap == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sequential {
		for _, set := range normalize.SortedSets(snap) {
			if setComplete(set, snap.Status) {
				continue
			}
			// First incomplete set holds the turn; later sets have
			// not been reached yet.
			return actionableMembers(set, snap.Status, logger)
		}
		return nil
	}

	var out []Target
	for _, set := range snap.ParticipantSets {
		out = append(out, actionableMembers(set, snap.Status, logger)...)
	}
	return out
}

func setComplete(set normalize.ParticipantSet, agreementStatus string) bool {
	if len(set.Members) == 0 {
		return true
	}
	for _, m := range set.Members {
		switch normalize.RecipientStatusOf(m.Status, agreementStatus) {
		case domain.RecipientSigned, domain.RecipientDeclined:
		default:
			return false
		}
	}
	return true
}

func actionableMembers(set normalize.ParticipantSet, agreementStatus string, logger *slog.Logger) []Target {
	var out []Target
	for _, m := range set.Members {
		if !normalize.RecipientStatusOf(m.Status, agreementStatus).Actionable() {
			continue
		}
		if m.ID == "" {
			// The set id must never be substituted here; a member
			// without its own id simply cannot be reminded.
			logger.Warn("actionable member has no member id, skipping",
				"email", m.Email, "set", set.ID)
			continue
		}
		out = append(out, Target{MemberID: m.ID, Email: m.Email})
	}
	return out
}
