package normalize

import "time"

// AgreementSnapshot is the canonical view of a remote agreement. The
// provider client produces it at the boundary; everything past the
// client only ever sees this shape, never raw provider payloads.
type AgreementSnapshot struct {
	AgreementID     string
	Name            string
	Status          string
	ParticipantSets []ParticipantSet
	Events          []SignEvent
	CreatedAt       time.Time
	ModifiedAt      time.Time
}

// ParticipantSet is a group of one or more signers sharing one
// position in the signing order.
type ParticipantSet struct {
	ID      string
	Order   int
	Role    string
	Status  string
	Members []Member
}

// Member is one participant inside a set. ID is the provider's member
// identifier and is the only valid reminder target; the set ID is not.
type Member struct {
	ID              string
	Email           string
	Name            string
	Status          string
	StatusUpdatedAt *time.Time
	CompletedAt     *time.Time
	URLAccessedAt   *time.Time
}

// SignEvent is one event-log entry carrying signed-at evidence.
type SignEvent struct {
	Type             string
	ParticipantEmail string
	OccurredAt       time.Time
}

// HasParticipants reports whether the snapshot carries any member
// data at all. Malformed provider responses degrade to an empty set
// rather than an error.
func (s *AgreementSnapshot) HasParticipants() bool {
	if s == nil {
		return false
	}
	for _, ps := range s.ParticipantSets {
		if len(ps.Members) > 0 {
			return true
		}
	}
	return false
}
