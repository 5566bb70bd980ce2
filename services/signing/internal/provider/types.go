package provider

import (
	"time"

	"esign/services/signing/internal/normalize"
)

// Raw wire shapes for the provider's agreement API. These never leave
// this package; the client converts them to normalize.AgreementSnapshot
// at the boundary.

type rawAgreement struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Status          string            `json:"status"`
	CreatedDate     string            `json:"createdDate"`
	ModifiedDate    string            `json:"modifiedDate"`
	ParticipantSets []rawSet          `json:"participantSetsInfo"`
	Members         *rawMembersBlock  `json:"members"`
	Events          []rawEvent        `json:"events"`
}

// Older API versions nest the sets one level deeper.
type rawMembersBlock struct {
	ParticipantSets []rawSet `json:"participantSets"`
}

type rawSet struct {
	ID      string      `json:"id"`
	Order   int         `json:"order"`
	Role    string      `json:"role"`
	Status  string      `json:"status"`
	Members []rawMember `json:"memberInfos"`
}

type rawMember struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	StatusDate    string `json:"statusDate"`
	CompletedDate string `json:"completedDate"`
	AccessDate    string `json:"accessDate"`
}

type rawEvent struct {
	Type             string `json:"type"`
	ParticipantEmail string `json:"participantEmail"`
	Date             string `json:"date"`
}

// AgreementSummary is one hit from a name search.
type AgreementSummary struct {
	ID              string
	Name            string
	Status          string
	CreatedAt       time.Time
	RecipientEmails []string
}

func (a rawAgreement) sets() []rawSet {
	if len(a.ParticipantSets) > 0 {
		return a.ParticipantSets
	}
	if a.Members != nil {
		return a.Members.ParticipantSets
	}
	return nil
}

func (a rawAgreement) toSnapshot() *normalize.AgreementSnapshot {
	snap := &normalize.AgreementSnapshot{
		AgreementID: a.ID,
		Name:        a.Name,
		Status:      a.Status,
		CreatedAt:   parseProviderTime(a.CreatedDate),
		ModifiedAt:  parseProviderTime(a.ModifiedDate),
	}
	for _, rs := range a.sets() {
		set := normalize.ParticipantSet{
			ID:     rs.ID,
			Order:  rs.Order,
			Role:   rs.Role,
			Status: rs.Status,
		}
		for _, rm := range rs.Members {
			set.Members = append(set.Members, normalize.Member{
				ID:              rm.ID,
				Email:           rm.Email,
				Name:            rm.Name,
				Status:          rm.Status,
				StatusUpdatedAt: parseProviderTimePtr(rm.StatusDate),
				CompletedAt:     parseProviderTimePtr(rm.CompletedDate),
				URLAccessedAt:   parseProviderTimePtr(rm.AccessDate),
			})
		}
		snap.ParticipantSets = append(snap.ParticipantSets, set)
	}
	for _, re := range a.Events {
		at := parseProviderTime(re.Date)
		if at.IsZero() {
			continue
		}
		snap.Events = append(snap.Events, normalize.SignEvent{
			Type:             re.Type,
			ParticipantEmail: re.ParticipantEmail,
			OccurredAt:       at,
		})
	}
	return snap
}

func parseProviderTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseProviderTimePtr(s string) *time.Time {
	t := parseProviderTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}
